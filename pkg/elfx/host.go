package elfx

import (
	"debug/elf"
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// hostData returns the data encoding of the running machine.
func hostData() elf.Data {
	if cpu.IsBigEndian {
		return elf.ELFDATA2MSB
	}
	return elf.ELFDATA2LSB
}

func byteOrder(data elf.Data) binary.ByteOrder {
	if data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
