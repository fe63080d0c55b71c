package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"github.com/ygrebnov/workerpool/pool"
	"github.com/ygrebnov/workerpool/protocol"
)

// framePool recycles the tiny peek-at-Type struct readLoop uses to decide
// which of protocol.DecodeResponse/DecodeEvent applies to an inbound line,
// so a busy process backend does not allocate one per message just to
// dispatch the real decode.
var framePool = pool.NewDynamic(func() *frameHeader { return &frameHeader{} })

// processTransport is the forked-OS-process backend: requests are written
// as newline-delimited JSON to the child's stdin, and Responses/Events are
// read the same way from its stdout. Only the JSON-encoded Request crosses
// the boundary; no Transfer handles are sent.
type processTransport struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdinMu sync.Mutex

	inbound chan Inbound
	exited  chan ExitInfo

	closeOnce sync.Once
	closed    chan struct{}
}

// frameHeader is the minimal shape read first off an inbound line to tell a
// Response from an Event before running the real decode: every Response
// (tagged or legacy-untagged) is either typeless or carries a type
// protocol.IsResponse recognizes; anything else is an Event.
type frameHeader struct {
	Type protocol.Type `json:"type"`
}

// NewProcess spawns name with args as a child process speaking newline-JSON
// protocol.Request/Response/Event frames over stdin/stdout: each outbound
// line is a protocol.Request, each inbound line is a bare protocol.Response
// or protocol.Event discriminated by its own Type field. The child is
// expected to run a dispatcher.Dispatcher wired to a Sender that writes
// frames to its own stdout and reads protocol.Request lines from its stdin.
func NewProcess(ctx context.Context, name string, args []string) (Transport, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	t := &processTransport{
		cmd:     cmd,
		stdin:   json.NewEncoder(stdin),
		inbound: make(chan Inbound, 16),
		exited:  make(chan ExitInfo, 1),
		closed:  make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go t.readLoop(stdout)
	go t.waitLoop()

	return t, nil
}

func (t *processTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		hdr := framePool.Get()
		*hdr = frameHeader{}
		if err := json.Unmarshal(line, hdr); err != nil {
			framePool.Put(hdr)
			continue // drop malformed lines rather than tearing down the worker
		}
		isResponse := hdr.Type == "" || protocol.IsResponse(hdr.Type)
		framePool.Put(hdr)

		var in Inbound
		if isResponse {
			resp, err := protocol.DecodeResponse(line)
			if err != nil {
				continue
			}
			in = Inbound{Response: resp}
		} else {
			ev, err := protocol.DecodeEvent(line)
			if err != nil {
				continue
			}
			in = Inbound{Event: ev}
		}

		select {
		case t.inbound <- in:
		case <-t.closed:
			return
		}
	}
}

func (t *processTransport) waitLoop() {
	err := t.cmd.Wait()
	code := t.cmd.ProcessState.ExitCode()
	cause := ExitNormal
	select {
	case <-t.closed:
		cause = ExitClosedByHost
	default:
		if code != 0 {
			cause = ExitCrash
		}
	}
	t.exited <- ExitInfo{Cause: cause, Code: code, Err: err}
	close(t.exited)
}

func (t *processTransport) Post(req *protocol.Request) error {
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	select {
	case <-t.closed:
		return errClosed
	default:
	}
	return t.stdin.Encode(req)
}

func (t *processTransport) Inbound() <-chan Inbound { return t.inbound }
func (t *processTransport) Exited() <-chan ExitInfo { return t.exited }

func (t *processTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.cmd.Process.Kill()
	})
	return err
}
