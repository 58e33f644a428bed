package p4rt

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/logging"
)

// StdinSource selects standard input as the program source.
const StdinSource = "-"

// Program is a bytecode program installed on a backer.
type Program struct {
	ID     uint32    `json:"id"`
	Size   int       `json:"size"`
	Cookie uint64    `json:"cookie"`
	Source string    `json:"source,omitempty"`
	Loaded time.Time `json:"loaded"`

	Data []byte `json:"-"`
}

// readSource reads all of source. Failing to open it is ENOENT; a failed or
// short read is EIO.
func (br *Bridge) readSource(source string) ([]byte, error) {
	var (
		r    io.Reader
		want int64 = -1
	)
	if source == StdinSource {
		r = br.stdin
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w: %w", source, unix.ENOENT, err)
		}
		defer f.Close()
		if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
			want = st.Size()
		}
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", source, unix.EIO, err)
	}
	if want >= 0 && int64(len(data)) != want {
		return nil, fmt.Errorf("read %s: got %d of %d bytes: %w", source, len(data), want, unix.EIO)
	}
	return data, nil
}

// LoadProgram reads a program from source, a file path or StdinSource, and
// installs it on switch name.
func (br *Bridge) LoadProgram(name, source string) (*Program, error) {
	data, err := br.readSource(source)
	if err != nil {
		br.log.Warn("failed to read program", "switch", name, "source", source, "err", err)
		return nil, err
	}
	return br.installProgram(name, data, 0, source)
}

// LoadProgramBytes installs data as the program of switch name.
func (br *Bridge) LoadProgramBytes(name string, data []byte, cookie uint64) (*Program, error) {
	return br.installProgram(name, append([]byte(nil), data...), cookie, "")
}

func (br *Bridge) installProgram(name string, data []byte, cookie uint64, source string) (*Program, error) {
	sw, err := br.acquire(name)
	if err != nil {
		return nil, err
	}
	defer sw.Unref()

	prog := &Program{
		ID:     br.nextProgramID.Add(1),
		Size:   len(data),
		Cookie: cookie,
		Source: source,
		Loaded: time.Now(),
		Data:   data,
	}
	err = sw.live(func() error { return sw.class.ProgramInsert(sw, prog) })
	if err != nil {
		br.log.Warn("failed to insert program", "switch", name, "size", len(data), "err", err)
		return nil, fmt.Errorf("insert program into %s: %w", name, err)
	}
	br.log.Info("program inserted", "switch", name, "id", prog.ID, "size", prog.Size)
	br.event(logging.EventProgramInserted, sw, logging.EventRecord{Program: prog.ID, Size: prog.Size})
	return prog, nil
}

// UnloadProgram removes the active program of switch name.
func (br *Bridge) UnloadProgram(name string) error {
	sw, err := br.acquire(name)
	if err != nil {
		return err
	}
	defer sw.Unref()

	prev := sw.Program()
	if err := sw.live(func() error { return sw.class.ProgramDelete(sw) }); err != nil {
		return fmt.Errorf("remove program from %s: %w", name, err)
	}
	if prev != nil {
		br.log.Info("program removed", "switch", name, "id", prev.ID)
		br.event(logging.EventProgramRemoved, sw, logging.EventRecord{Program: prev.ID, Size: prev.Size})
	}
	return nil
}
