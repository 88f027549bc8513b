package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
)

// maxIPCMessage bounds one incoming NDJSON line (spec §5: "IPC message
// bounded at 1 MiB; over-size messages are rejected").
const maxIPCMessage = 1 << 20

// serveIPC listens on the daemon's Unix-domain socket and serves
// connections until ctx is cancelled (spec §6's IPC surface).
func (d *Daemon) serveIPC(ctx context.Context) error {
	sockPath := d.cfg.SocketPath()
	_ = os.Remove(sockPath) // stale socket from an unclean prior exit

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("daemon: ipc: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	d.log.Info("daemon: ipc listening", "socket", sockPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Warn("daemon: ipc accept failed", "error", err)
			continue
		}
		go d.serveConn(ctx, conn)
	}
}

// serveConn handles one client connection: many requests may be in flight,
// correlated by requestId, so each request is dispatched into its own
// goroutine and responses are serialized through a single writer mutex.
func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(resp Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		data = append(data, '\n')
		_, _ = conn.Write(data)
	}

	var wg sync.WaitGroup
	sessionConversation := ""
	var sessionMu sync.Mutex

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxIPCMessage)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(errorResponse("", "malformed request: "+err.Error()))
			continue
		}
		if req.Type == ReqChat {
			sessionMu.Lock()
			sessionConversation = req.ConversationID
			sessionMu.Unlock()
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			d.dispatch(ctx, req, write)
		}(req)

		if req.Type == ReqShutdown {
			break
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		d.log.Debug("daemon: ipc connection read error", "error", err)
	} else if errors.Is(err, bufio.ErrTooLong) {
		write(errorResponse("", "message exceeds 1 MiB limit"))
	}

	wg.Wait()

	sessionMu.Lock()
	had := sessionConversation != ""
	sessionMu.Unlock()
	if had {
		d.conv.EndSession(ctx)
	}
}

// dispatch routes one request to the matching daemon operation and writes
// its response(s). Validation errors return `error` without disconnecting
// (spec §7).
func (d *Daemon) dispatch(ctx context.Context, req Request, write func(Response)) {
	switch req.Type {
	case ReqChat:
		err := d.HandleChat(ctx, req.Message, req.ConversationID, func(chunk string) {
			write(chatChunk(req.RequestID, chunk))
		})
		if err != nil {
			write(errorResponse(req.RequestID, err.Error()))
			return
		}
		write(chatDone(req.RequestID))

	case ReqStatus:
		st, err := d.Status(ctx)
		if err != nil {
			write(errorResponse(req.RequestID, err.Error()))
			return
		}
		write(statusResponse(req.RequestID, st))

	case ReqConsolidate:
		res, err := d.TriggerConsolidation(ctx)
		if err != nil {
			write(errorResponse(req.RequestID, err.Error()))
			return
		}
		write(okResponse(req.RequestID, res))

	case ReqMonologueStream:
		d.streamMonologue(ctx, req.RequestID, write)

	case ReqMemoryStats:
		st, err := d.Status(ctx)
		if err != nil {
			write(errorResponse(req.RequestID, err.Error()))
			return
		}
		write(okResponse(req.RequestID, st.MemoryStats))

	case ReqMemorySearch:
		summaries, err := d.MemorySearch(ctx, req.Query)
		if err != nil {
			write(errorResponse(req.RequestID, err.Error()))
			return
		}
		write(okResponse(req.RequestID, summaries))

	case ReqShutdown:
		write(okResponse(req.RequestID, nil))
		go func() {
			if d.cancel != nil {
				d.cancel()
			}
		}()

	default:
		write(errorResponse(req.RequestID, fmt.Sprintf("unknown request type %q", req.Type)))
	}
}

// streamMonologue subscribes to the monologue manager and forwards every
// chunk/proactive event until ctx is cancelled or the client disconnects
// (spec §6: "a monologue_stream has no termination sentinel -- it ends
// when the socket closes").
func (d *Daemon) streamMonologue(ctx context.Context, requestID string, write func(Response)) {
	ch := d.mono.Subscribe()
	defer d.mono.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case "chunk":
				write(monologueChunk(requestID, ev.Content))
			case "proactive":
				write(proactiveMessage(ev.Content))
			}
		}
	}
}
