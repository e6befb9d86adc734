package command

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/gate"
	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
	"github.com/wrangler-bot/wrangler/wire"
)

// workerCounter enforces the hard per-group concurrency limit. Unlike the
// gate's soft category bounds, exceeding a group's limit rejects the
// command outright.
type workerCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newWorkerCounter() *workerCounter {
	return &workerCounter{counts: make(map[string]int)}
}

// acquire admits one worker for the group unless the running count has
// already reached max. A non-positive max means unlimited.
func (w *workerCounter) acquire(groupID string, max int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if max > 0 && w.counts[groupID] >= max {
		return false
	}
	w.counts[groupID]++
	return true
}

func (w *workerCounter) release(groupID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[groupID]--; w.counts[groupID] <= 0 {
		delete(w.counts, groupID)
	}
}

// Pipeline drives a command from raw text to an ordered result: decode,
// authenticate, admit against the group worker limit, dispatch, sift,
// afterburn, callback.
type Pipeline struct {
	rt       *Runtime
	registry map[string]Handler
	workers  *workerCounter
	log      *logger.Logger
}

// NewPipeline creates a pipeline with the built-in command registry.
func NewPipeline(rt *Runtime) *Pipeline {
	return &Pipeline{
		rt:       rt,
		registry: BuiltinHandlers(),
		workers:  newWorkerCounter(),
		log:      logger.NewLogger("Command"),
	}
}

// Commands returns the registered command names, sorted.
func (p *Pipeline) Commands() []string {
	names := make([]string, 0, len(p.registry))
	for name := range p.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs one raw command line and returns the ordered result. It
// returns nil in three cases that produce no reply at all: an undecodable
// message, a failed authentication, and a group already at its worker
// limit. A message carrying the horde key is forwarded to peers instead of
// executing locally, also with a nil immediate result.
func (p *Pipeline) Handle(ctx context.Context, raw, senderName, senderID string) *wire.KeyValues {
	msg, err := wire.Parse(raw)
	if err != nil {
		p.log.Debugf("undecodable message from %s: %v", senderName, err)
		return nil
	}

	cfg := p.rt.Config.Snapshot()
	groupRef := msg.Get(wire.KeyGroup)
	group := p.resolveGroup(cfg, groupRef)
	if group == nil || !p.rt.Auth.AuthenticateGroup(group, msg.Get(wire.KeyPassword)) {
		metrics.RecordAuthFailure(groupRef)
		p.log.Debugf("dropped unauthenticated request for group %q from %s", groupRef, senderName)
		return nil
	}

	if msg.Get(wire.KeyHorde) != "" && p.rt.Forwarder != nil && p.rt.Forwarder.Enabled() {
		if err := p.rt.Forwarder.Forward(ctx, msg, group); err != nil {
			p.log.Warnf("forwarding for group %s failed: %v", group.Name, err)
		}
		return nil
	}

	p.log.Infof("group %s from %s: %s", group.Name, senderName, msg.Redact())

	if !p.workers.acquire(group.UUID, group.Workers) {
		metrics.RecordCommandRejected(group.Name)
		p.log.Warnf("group %s at its worker limit (%d), command %q rejected",
			group.Name, group.Workers, msg.Get(wire.KeyCommand))
		return nil
	}
	defer p.workers.release(group.UUID)

	result := p.execute(ctx, cfg, msg, group, senderName, senderID)

	if callback := msg.Get(wire.KeyCallback); callback != "" {
		delivered := p.rt.Callbacks != nil && p.rt.Callbacks.Enqueue(delivery.Envelope{
			GroupID:     group.UUID,
			Destination: callback,
			Payload:     result.Clone(),
		})
		if !delivered {
			p.log.Warnf("callback queue saturated, result for %s not delivered", callback)
		}
	}
	return result
}

// execute dispatches the named handler and assembles the ordered result.
func (p *Pipeline) execute(ctx context.Context, cfg *config.Config, msg wire.Message, group *config.GroupConfig, senderName, senderID string) *wire.KeyValues {
	name := msg.Get(wire.KeyCommand)
	result := wire.NewKeyValues()
	result.Set(wire.KeyCommand, name)
	result.Set(wire.KeyGroup, group.Name)

	req := &Request{Raw: msg, SenderName: senderName, SenderID: senderID, Group: group}

	start := time.Now()
	var execErr error
	if handler, ok := p.registry[name]; ok {
		hctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Services)
		execErr = handler(hctx, p.rt, req, result)
		cancel()
	} else {
		execErr = &StatusError{Status: StatusUnknownCommand, Reason: "unknown command " + strconv.Quote(name)}
	}

	if execErr == nil {
		if sift := msg.Get(wire.KeySift); sift != "" {
			execErr = p.applySift(sift, result)
		}
	}

	status := "success"
	if execErr != nil {
		status = "failure"
		var se *StatusError
		if errors.As(execErr, &se) {
			result.Set(wire.KeyError, se.Reason)
			result.Set(wire.KeyStatus, strconv.Itoa(se.Status))
		} else {
			result.Set(wire.KeyError, execErr.Error())
		}
	}
	result.Set(wire.KeySuccess, strconv.FormatBool(execErr == nil))
	result.Set(wire.KeyTime, time.Now().UTC().Format(time.RFC3339))

	metrics.RecordCommand(group.Name, name, status)
	metrics.RecordCommandDuration(name, status, time.Since(start).Seconds())

	// Afterburn: request keys the pipeline does not consume pass through to
	// the result, never overwriting fields the handler produced.
	extras := make([]string, 0, len(msg))
	for key := range msg {
		if wire.IsProtocolKey(key) || wire.IsResultKey(key) {
			continue
		}
		extras = append(extras, key)
	}
	sort.Strings(extras)
	for _, key := range extras {
		result.MergeMissing(key, msg[key])
	}

	return result
}

// applySift runs the sift chain over the DATA field. A sift failure fails
// the command; an empty outcome removes the field entirely.
func (p *Pipeline) applySift(spec string, result *wire.KeyValues) error {
	data, ok := result.Get(wire.KeyData)
	if !ok {
		return nil
	}
	out, err := ApplySift(spec, wire.SplitList(data))
	if err != nil {
		result.Delete(wire.KeyData)
		return err
	}
	if len(out) == 0 {
		result.Delete(wire.KeyData)
		return nil
	}
	result.Set(wire.KeyData, wire.JoinList(out))
	return nil
}

// resolveGroup finds the group in the configuration file first, then among
// the group configurations synchronized from horde peers.
func (p *Pipeline) resolveGroup(cfg *config.Config, ref string) *config.GroupConfig {
	if ref == "" {
		return nil
	}
	if group := cfg.FindGroup(ref); group != nil {
		return group
	}
	if p.rt.Caches == nil {
		return nil
	}
	for _, raw := range p.rt.Caches.ConfigGroups.Snapshot() {
		var group config.GroupConfig
		if err := json.Unmarshal([]byte(raw), &group); err != nil {
			continue
		}
		if strings.EqualFold(group.UUID, ref) || strings.EqualFold(group.Name, ref) {
			return &group
		}
	}
	return nil
}

// RunScheduled fires every due scheduled command whose group hour mask
// allows the current hour. Admission goes through the keyed gate with the
// configured TTL, so commands queued through an outage expire instead of
// firing long after their slot.
func (p *Pipeline) RunScheduled(ctx context.Context, now time.Time) {
	if p.rt.Schedules == nil || p.rt.Gate == nil {
		return
	}
	due, err := p.rt.Schedules.Due(ctx, now)
	if err != nil {
		p.log.Warnf("could not persist schedule advance: %v", err)
	}
	cfg := p.rt.Config.Snapshot()
	for _, entry := range due {
		group := cfg.GroupByUUID(entry.GroupID)
		if group == nil {
			p.log.Warnf("scheduled command %s references unknown group %s, skipped", entry.ID, entry.GroupID)
			continue
		}
		if !group.ScheduleAllowed(now) {
			p.log.Debugf("scheduled command %s outside group %s hour mask, skipped", entry.ID, group.Name)
			continue
		}
		payload := entry.Payload
		admitted := p.rt.Gate.SpawnKeyed(gate.CategoryCommand, group.Workers, entry.GroupID,
			cfg.Timeouts.Schedule, func() {
				p.Handle(ctx, payload, "scheduler", "")
			})
		if !admitted {
			p.log.Warnf("scheduled command %s not admitted, queue full", entry.ID)
		}
	}
}
