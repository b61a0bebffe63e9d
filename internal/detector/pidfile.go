package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile is the on-disk layout shared by service PID files and lock
// markers:
//
//	line 1: pid
//	line 2: JSON payload owned by the writer (may be "{}")
//	line 3: JSON meta {"start_unix": ...}
type PIDFile struct {
	PID       int
	Info      json.RawMessage
	StartUnix int64
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// Alive reports whether the recorded process is still the one running under
// that pid.
func (p PIDFile) Alive() bool {
	if p.StartUnix > 0 {
		cur := ProcStartUnix(p.PID)
		if cur > 0 && cur != p.StartUnix {
			return false // PID reused; not our process
		}
	}
	return PIDAlive(p.PID)
}

// Encode renders the three-line layout.
func (p PIDFile) Encode() []byte {
	info := strings.TrimSpace(string(p.Info))
	if info == "" {
		info = "{}"
	}
	mb, _ := json.Marshal(pidMeta{StartUnix: p.StartUnix})
	return []byte(strconv.Itoa(p.PID) + "\n" + info + "\n" + string(mb) + "\n")
}

// NewPIDFile describes pid, recording its current start time and info
// marshalled as JSON.
func NewPIDFile(pid int, info any) (PIDFile, error) {
	p := PIDFile{PID: pid, StartUnix: ProcStartUnix(pid)}
	if info != nil {
		b, err := json.Marshal(info)
		if err != nil {
			return p, err
		}
		p.Info = b
	}
	return p, nil
}

// WritePIDFile writes p to path, creating the parent directory.
func WritePIDFile(path string, p PIDFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, p.Encode(), 0o600)
}

// ReadPIDFile parses a PID file. Only the first line is mandatory.
func ReadPIDFile(path string) (PIDFile, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDFile{}, err
	}
	return ParsePIDFile(b, path)
}

// ParsePIDFile parses the layout described on PIDFile. name is used in errors.
func ParsePIDFile(data []byte, name string) (PIDFile, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return PIDFile{}, fmt.Errorf("invalid pid in %s: %w", name, err)
	}
	p := PIDFile{PID: pid}
	if len(lines) >= 2 {
		if info := strings.TrimSpace(lines[1]); info != "" && json.Valid([]byte(info)) {
			p.Info = json.RawMessage(info)
		}
	}
	if len(lines) >= 3 {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &m); err == nil {
			p.StartUnix = m.StartUnix
		}
	}
	return p, nil
}
