package lnconform

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

const waitSleepInterval = 100 * time.Millisecond

// TestHarness owns the per-test working directory and the external
// processes a conformance run spawns, tearing everything down in
// reverse order when the test ends.
type TestHarness struct {
	*testing.T
	Ctx        context.Context
	cancel     context.CancelFunc
	Dir        string
	deadline   time.Time
	mtx        sync.RWMutex
	stoppables []Stoppable
	cleanables []Cleanable
	logFiles   map[string]string
	dumpLogs   bool
}

type Stoppable interface {
	TearDown() error
}

type Cleanable interface {
	Cleanup() error
}

type HarnessOption int

const (
	DumpLogs HarnessOption = 0
)

func NewTestHarness(t *testing.T, options ...HarnessOption) *TestHarness {
	testDir, err := os.MkdirTemp("", "lnconform-")
	CheckError(t, err)

	deadline, ok := t.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Minute)
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	return &TestHarness{
		T:        t,
		Ctx:      ctx,
		cancel:   cancel,
		Dir:      testDir,
		deadline: deadline,
		logFiles: make(map[string]string),
		dumpLogs: slices.Contains(options, DumpLogs) || GetPreserveLogs(),
	}
}

// Deadline is when the test must be done, with a little slack reserved
// for teardown.
func (h *TestHarness) Deadline() time.Time {
	return h.deadline.Add(-10 * time.Second)
}

// GetDirectory creates a fresh subdirectory for one spawned artifact.
func (h *TestHarness) GetDirectory(prefix string) string {
	dir, err := os.MkdirTemp(h.Dir, prefix)
	CheckError(h.T, err)
	return dir
}

func (h *TestHarness) AddStoppable(stoppable Stoppable) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.stoppables = append(h.stoppables, stoppable)
}

func (h *TestHarness) RegisterLogfile(logfile string, name string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.logFiles[name] = logfile
}

func (h *TestHarness) AddCleanable(cleanable Cleanable) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.cleanables = append(h.cleanables, cleanable)
}

func (h *TestHarness) TearDown() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	var err error = nil
	for _, stoppable := range h.stoppables {
		err = multierr.Append(err, stoppable.TearDown())
	}

	if h.dumpLogs {
		for name, logFile := range h.logFiles {
			var sb strings.Builder
			sb.WriteString("*****************************************************************************\n")
			sb.WriteString("Log dump for ")
			sb.WriteString(name)
			sb.WriteString(" (")
			sb.WriteString(logFile)
			sb.WriteString(")\n")
			sb.WriteString("*****************************************************************************\n")
			content, err := os.ReadFile(logFile)
			if err == nil {
				sb.Write(content)
			}
			sb.WriteString("\n")
			sb.WriteString("*****************************************************************************\n")
			sb.WriteString("End log dump for ")
			sb.WriteString(name)
			sb.WriteString("\n")
			sb.WriteString("*****************************************************************************\n")
			log.Print(sb.String())
		}
	}

	for _, cleanable := range h.cleanables {
		err = multierr.Append(err, cleanable.Cleanup())
	}

	err = multierr.Append(err, h.cleanup())

	h.cancel()
	if err != nil {
		log.Printf("Harness teardown had errors: %+v", err)
	}
	return err
}

func (h *TestHarness) cleanup() error {
	if GetPreserveState() {
		log.Printf("Preserving harness state in %s", h.Dir)
		return nil
	}
	return os.RemoveAll(h.Dir)
}
