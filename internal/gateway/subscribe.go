package gateway

import (
	"context"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/runs"
)

// subscribe registers c for live notifications about skill ("" for every
// skill). The first subscription starts the client's bus forwarder.
func (s *Server) subscribe(c *client, skill string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subs == nil {
		c.subs = make(map[string]bool)
	}
	c.subs[skill] = true

	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("")
		var ctx context.Context
		ctx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(ctx, c)
	}
}

func (c *client) wants(skill string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subs[""] || c.subs[skill]
}

// forwardBusEvents pushes run snapshots and workflow transitions to c. The
// aggregator publishes at most one snapshot per run per flush tick, so each
// client sees the same cadence.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			method, skill, params := notification(ev)
			if method == "" || !c.wants(skill) {
				continue
			}
			if err := c.write(ctx, rpcResponse{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
				s.logger.Debug("ws: notification write failed", "method", method, "error", err)
			}
		}
	}
}

func notification(ev bus.Event) (method, skill string, params any) {
	switch p := ev.Payload.(type) {
	case runs.Run:
		switch ev.Topic {
		case bus.TopicRunUpdated:
			return "run.updated", p.SkillName, p
		case bus.TopicRunFinished:
			return "run.finished", p.SkillName, p
		}
	case bus.StepChangedEvent:
		return "workflow.step_changed", p.Skill, map[string]any{
			"skill":      p.Skill,
			"session_id": p.SessionID,
			"step":       p.Step,
			"step_id":    p.StepID,
			"from":       p.From,
			"to":         p.To,
		}
	case bus.SessionChangedEvent:
		return "workflow.session_changed", p.Skill, map[string]any{
			"skill":      p.Skill,
			"session_id": p.SessionID,
			"status":     p.Status,
		}
	}
	return "", "", nil
}
