package auxv

import (
	"encoding/binary"
	"io"
	"strconv"

	"golang.org/x/sys/cpu"
)

// Word is the type used by the auxilliary vector for both the key and values
// of the vector's pairs. The kernel writes them as native words, so their size
// and byte order are the ones of the running machine.
type Word uint64

var order binary.ByteOrder = binary.LittleEndian

func init() {
	if cpu.IsBigEndian {
		order = binary.BigEndian
	}
}

// ReadFrom reads an auxilliary vector value from r.
func (w *Word) ReadFrom(r io.Reader) error {
	if strconv.IntSize == 32 {
		var v uint32
		err := binary.Read(r, order, &v)
		*w = Word(v)
		return err
	}
	return binary.Read(r, order, (*uint64)(w))
}
