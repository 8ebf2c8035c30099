package types

const (
	EVENT_KERNEL_DISPATCH = 1
	EVENT_MEMORY_ALLOCATE = 2

	ALLOC_REGION = 0
	ALLOC_POOL   = 1
)

const (
	LoaderRuntimeCalls = "runtime_calls"
)
