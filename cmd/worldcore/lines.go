package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/duskhall/worldcore/pkg/actions"
	"github.com/duskhall/worldcore/pkg/execution"
	"github.com/duskhall/worldcore/pkg/faults"
	"github.com/duskhall/worldcore/pkg/flow"
	"github.com/duskhall/worldcore/pkg/god"
	"github.com/duskhall/worldcore/pkg/turn"
	"github.com/duskhall/worldcore/pkg/worldmemory"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// serve reads protocol lines until exit, EOF, or a fatal error. Talk lines
// run concurrently (serialized per agent by the keyed queue); everything else
// is handled inline.
func (h *host) serve(ctx context.Context, stdin io.Reader) {
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "exit":
			return
		case strings.HasPrefix(line, "talk "):
			h.dispatchTalk(ctx, line)
		case strings.HasPrefix(line, "god "):
			h.handleGod(line)
		case strings.HasPrefix(line, "{"):
			h.handleJSON(ctx, []byte(line))
		default:
			h.errorLine("unknown command: " + firstWord(line))
		}
		if h.fatal.Load() {
			return
		}
	}
	if err := sc.Err(); err != nil {
		h.crash.Handle(faults.Fatalf("read stdin", err))
	}
}

func (h *host) dispatchTalk(ctx context.Context, line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 || parts[1] == "" || strings.TrimSpace(parts[2]) == "" {
		h.errorLine("usage: talk <agent>[@faction] <message>")
		return
	}
	ref := parseAgent(parts[1])
	message := strings.TrimSpace(parts[2])

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.crash.Recover()
		h.handleTalk(ctx, ref, message)
	}()
}

// handleTalk records the utterance and applies a fallback turn. There is no
// dialogue model behind this host; the sanitizer turns the empty fallback
// into a neutral "..." reply while memories and profile state land normally.
func (h *host) handleTalk(ctx context.Context, ref actions.AgentRef, message string) {
	release, err := h.gate.Acquire(ctx, ref.Name)
	if err != nil {
		if errors.Is(err, flow.ErrRateLimited) {
			h.errorLine("rate limited: " + ref.Name)
			return
		}
		h.errorLine("talk aborted: " + err.Error())
		return
	}
	defer release()

	opID := flow.OperationID(h.clock(), flow.DefaultOpWindow, "talk", ref.Name, message)
	var res turn.Result
	err = h.lane.Do(ref.Name, func() error {
		if err := h.turns.RecordIncoming(ref, "", message, opID); err != nil {
			return err
		}
		var aerr error
		res, aerr = h.turns.ApplyTurn(ref, nil, turn.Turn{}, opID, nil)
		return aerr
	})
	if err != nil {
		h.crash.Handle(err)
		h.errorLine("talk failed: " + err.Error())
		return
	}
	h.writeLine(res)
}

func (h *host) handleGod(line string) {
	command := strings.TrimSpace(strings.TrimPrefix(line, "god "))
	if command == "" {
		h.errorLine("usage: god <command>")
		return
	}
	snap, err := h.store.GetSnapshot()
	if err != nil {
		h.crash.Handle(err)
		h.errorLine("god failed: " + err.Error())
		return
	}
	reply, err := h.gods.Apply(god.Request{
		Agents:      rosterNames(snap),
		Command:     command,
		OperationID: flow.OperationID(h.clock(), flow.DefaultOpWindow, "god", command),
	})
	if err != nil {
		h.crash.Handle(err)
		h.errorLine("god failed: " + err.Error())
		return
	}
	h.writeLine(reply)
}

func (h *host) handleJSON(ctx context.Context, raw []byte) {
	var probe struct {
		Type          string `json:"type"`
		SchemaVersion any    `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		h.errorLine("not valid JSON: " + err.Error())
		return
	}
	if probe.Type == "world-memory-request.v1" {
		h.handleMemoryRequest(ctx, raw)
		return
	}
	if v, ok := probe.SchemaVersion.(string); ok && v == "execution-handoff.v1" {
		h.handleHandoff(ctx, raw)
		return
	}
	h.errorLine("unrecognized document")
}

func (h *host) handleHandoff(ctx context.Context, raw []byte) {
	var receipt *worldstate.ExecutionReceipt
	err := flow.WithTimeout(ctx, handoffTimeout, "execution_handoff", func(ctx context.Context) error {
		r, err := h.adapter.Execute(ctx, raw)
		receipt = r
		return err
	})
	if err != nil {
		if execution.IsValidationError(err) {
			h.errorLine(err.Error())
			return
		}
		h.crash.Handle(err)
		h.errorLine("handoff failed: " + err.Error())
		return
	}
	h.writeLine(receipt)
}

func (h *host) handleMemoryRequest(ctx context.Context, raw []byte) {
	var doc *worldmemory.Context
	err := flow.WithTimeout(ctx, contextTimeout, "world_memory_request", func(ctx context.Context) error {
		d, err := h.memory.HandleRequest(ctx, raw)
		doc = d
		return err
	})
	if err != nil {
		if worldmemory.IsRequestError(err) {
			h.errorLine(err.Error())
			return
		}
		h.crash.Handle(err)
		h.errorLine("world memory request failed: " + err.Error())
		return
	}
	h.writeLine(doc)
}

func (h *host) writeLine(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode output line failed", "error", err)
		return
	}
	h.outMu.Lock()
	defer h.outMu.Unlock()
	_, _ = h.out.Write(append(raw, '\n'))
}

func (h *host) errorLine(msg string) {
	h.writeLine(struct {
		Error string `json:"error"`
	}{msg})
}

// parseAgent splits an optional @faction suffix off the agent token.
func parseAgent(token string) actions.AgentRef {
	name, faction, _ := strings.Cut(token, "@")
	return actions.AgentRef{Name: name, Faction: faction}
}

func rosterNames(snap *worldstate.Snapshot) []string {
	names := make([]string, 0, len(snap.Agents))
	for name := range snap.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstWord(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}
