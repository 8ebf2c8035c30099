package elfdb

import (
	"encoding/binary"
	"fmt"

	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
)

const wordSize = 4

// Render formats one instruction word. No disassembler is linked in, so
// instructions are shown as their raw encoding.
func Render(addr uint64, word uint32) string {
	return fmt.Sprintf("%012x: %08x", addr, word)
}

func words(text []byte, base, start, end uint64, file string, line uint32) []symdb.Instruction {
	if start < base {
		return nil
	}
	var out []symdb.Instruction
	for a := start; a+wordSize <= end; a += wordSize {
		off := a - base
		if off+wordSize > uint64(len(text)) {
			break
		}
		out = append(out, symdb.Instruction{
			Address:     a,
			Disassembly: Render(a, binary.LittleEndian.Uint32(text[off:])),
			FileName:    file,
			Line:        line,
		})
	}
	return out
}

// buildKernel splits the kernel's code along the line table rows that fall in
// its range. Each row owns the bytes up to the next row of its sequence. Line
// 0 rows produce instructions but no line entry. Without any row the whole
// kernel becomes a single unattributed block.
func buildKernel(kr kernelRange, text []byte, base uint64, rows []lineRow) *kernel {
	end := kr.end
	if end <= kr.start {
		end = base + uint64(len(text))
	}
	k := &kernel{name: kr.name, byLine: make(map[uint32][]symdb.Instruction)}

	blockOf := make(map[int]int)
	for i, row := range rows {
		if row.end || row.address < kr.start || row.address >= end {
			continue
		}
		rowEnd := end
		if i+1 < len(rows) && rows[i+1].sequence == row.sequence && rows[i+1].address < end {
			rowEnd = rows[i+1].address
		}
		if rowEnd <= row.address {
			continue
		}

		insts := words(text, base, row.address, rowEnd, row.file, row.line)
		if len(insts) == 0 {
			continue
		}
		if row.line != 0 {
			k.lines = append(k.lines, row.line)
			k.byLine[row.line] = append(k.byLine[row.line], insts...)
		}

		b, ok := blockOf[row.sequence]
		if !ok {
			b = len(k.blocks)
			blockOf[row.sequence] = b
			k.blocks = append(k.blocks, symdb.BasicBlock{})
		}
		k.blocks[b].Instructions = append(k.blocks[b].Instructions, insts...)
	}

	if len(k.blocks) == 0 {
		if insts := words(text, base, kr.start, end, "", 0); len(insts) > 0 {
			k.blocks = append(k.blocks, symdb.BasicBlock{Instructions: insts})
		}
	}
	return k
}
