package command

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/notify"
	"github.com/wrangler-bot/wrangler/wire"
)

// BuiltinHandlers returns the command registry. The registry is assembled
// once at startup and validated for completeness by tests.
func BuiltinHandlers() map[string]Handler {
	return map[string]Handler{
		"version":         handleVersion,
		"status":          handleStatus,
		"tell":            handleTell,
		"getgroupmembers": handleGetGroupMembers,
		"getgroupbans":    handleGetGroupBans,
		"notify":          handleNotify,
		"retrieve":        handleRetrieve,
		"mute":            handleMute,
		"softban":         handleSoftBan,
		"classify":        handleClassify,
		"schedule":        handleSchedule,
		"feed":            handleFeed,
	}
}

func requirePermission(rt *Runtime, req *Request, mask uint64) error {
	if !rt.Auth.HasPermission(req.Group, mask) {
		return &StatusError{Status: StatusPermissionMask, Reason: "group lacks permission for this command"}
	}
	return nil
}

func requireArg(req *Request, key string) (string, error) {
	value := req.Raw.Get(key)
	if value == "" {
		return "", &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("missing %q argument", key)}
	}
	return value, nil
}

// resolveAgent accepts either an agent UUID or a display name.
func resolveAgent(ctx context.Context, rt *Runtime, ref string) (string, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return ref, nil
	}
	id, err := rt.Resolver.AgentNameToID(ctx, ref)
	if err != nil {
		return "", &StatusError{Status: StatusLookupFailed, Reason: fmt.Sprintf("could not resolve agent %q", ref)}
	}
	return id, nil
}

func handleVersion(_ context.Context, rt *Runtime, _ *Request, result *wire.KeyValues) error {
	result.Set(wire.KeyData, rt.Version)
	return nil
}

func handleStatus(_ context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionExecute); err != nil {
		return err
	}
	cfg := rt.Config.Snapshot()
	result.Set(wire.KeyData, wire.JoinList([]string{
		cfg.Name,
		rt.Grid.CurrentRegion(),
		strconv.FormatInt(int64(rt.Uptime()/time.Second), 10),
		strconv.FormatBool(rt.Grid.Connected()),
	}))
	return nil
}

func handleTell(ctx context.Context, rt *Runtime, req *Request, _ *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionTalk); err != nil {
		return err
	}
	agent, err := requireArg(req, "agent")
	if err != nil {
		return err
	}
	message, err := requireArg(req, "message")
	if err != nil {
		return err
	}
	id, err := resolveAgent(ctx, rt, agent)
	if err != nil {
		return err
	}
	if err := rt.Grid.SendMessage(ctx, id, message); err != nil {
		return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("message delivery failed: %v", err)}
	}
	return nil
}

func handleGetGroupMembers(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionGroup); err != nil {
		return err
	}
	members, err := rt.Grid.QueryGroupMembers(ctx, req.Group.UUID)
	if err != nil {
		return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("member query failed: %v", err)}
	}
	result.Set(wire.KeyData, wire.JoinList(members))
	return nil
}

func handleGetGroupBans(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionGroup); err != nil {
		return err
	}
	bans, err := rt.Grid.QueryGroupBans(ctx, req.Group.UUID)
	if err != nil {
		return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("ban query failed: %v", err)}
	}
	result.Set(wire.KeyData, wire.JoinList(bans))
	return nil
}

func handleNotify(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionNotifications); err != nil {
		return err
	}
	action, err := requireArg(req, "action")
	if err != nil {
		return err
	}

	switch action {
	case "add":
		mask, url, err := notifySelection(req)
		if err != nil {
			return err
		}
		fields := wire.SplitList(req.Raw.Get("fields"))
		if err := rt.Notify.SubscribeHTTP(ctx, req.Group.UUID, mask, url, fields); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store subscription: %v", err)}
		}

	case "remove":
		mask, url, err := notifySelection(req)
		if err != nil {
			return err
		}
		if err := rt.Notify.UnsubscribeHTTP(ctx, req.Group.UUID, mask, url); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store subscription: %v", err)}
		}

	case "list":
		var lines []string
		if sub, ok := rt.Notify.Subscription(req.Group.UUID); ok {
			for _, t := range notify.AllTypes {
				for url := range sub.HTTP[t] {
					lines = append(lines, t.Name()+" "+url)
				}
			}
		}
		sort.Strings(lines)
		result.Set(wire.KeyData, wire.JoinList(lines))

	case "afterburn":
		fields := make(map[string]string)
		for key, value := range req.Raw {
			if wire.IsProtocolKey(key) || key == "action" {
				continue
			}
			fields[key] = value
		}
		if err := rt.Notify.SetAfterburn(ctx, req.Group.UUID, fields); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store afterburn: %v", err)}
		}

	default:
		return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return nil
}

// notifySelection parses the type mask and destination URL shared by the
// notify add and remove actions.
func notifySelection(req *Request) (notify.Type, string, error) {
	typeList, err := requireArg(req, "type")
	if err != nil {
		return 0, "", err
	}
	mask, unknown := notify.ParseTypeList(typeList)
	if len(unknown) > 0 {
		return 0, "", &StatusError{Status: StatusMissingArgument,
			Reason: fmt.Sprintf("unknown notification types: %s", strings.Join(unknown, ", "))}
	}
	if mask == 0 {
		return 0, "", &StatusError{Status: StatusMissingArgument, Reason: "no notification types given"}
	}
	url, err := requireArg(req, "url")
	if err != nil {
		return 0, "", err
	}
	return mask, url, nil
}

func handleRetrieve(_ context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionNotifications); err != nil {
		return err
	}
	result.Set(wire.KeyData, wire.JoinList(rt.Side.Drain(req.Group.UUID)))
	return nil
}

func handleMute(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionBan); err != nil {
		return err
	}
	action, err := requireArg(req, "action")
	if err != nil {
		return err
	}

	switch action {
	case "mute", "unmute":
		agent, err := requireArg(req, "agent")
		if err != nil {
			return err
		}
		id, err := resolveAgent(ctx, rt, agent)
		if err != nil {
			return err
		}
		if action == "mute" {
			rt.Caches.Mutes.Add(id, "")
		} else {
			rt.Caches.Mutes.Remove(id)
		}

	case "list":
		var ids []string
		for id := range rt.Caches.Mutes.Snapshot() {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		result.Set(wire.KeyData, wire.JoinList(ids))

	default:
		return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return nil
}

func handleSoftBan(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionBan); err != nil {
		return err
	}
	action, err := requireArg(req, "action")
	if err != nil {
		return err
	}

	switch action {
	case "add":
		agent, err := requireArg(req, "agent")
		if err != nil {
			return err
		}
		id, err := resolveAgent(ctx, rt, agent)
		if err != nil {
			return err
		}
		duration := 24 * time.Hour
		if raw := req.Raw.Get("duration"); raw != "" {
			duration, err = time.ParseDuration(raw)
			if err != nil || duration <= 0 {
				return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("invalid duration %q", raw)}
			}
		}
		if err := rt.SoftBans.Add(ctx, id, req.Group.UUID, duration); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store soft-ban: %v", err)}
		}
		// A soft-banned agent is also muted so peers stop relaying it.
		rt.Caches.Mutes.Add(id, "")

	case "remove":
		agent, err := requireArg(req, "agent")
		if err != nil {
			return err
		}
		id, err := resolveAgent(ctx, rt, agent)
		if err != nil {
			return err
		}
		if err := rt.SoftBans.Remove(ctx, id); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store soft-ban: %v", err)}
		}
		rt.Caches.Mutes.Remove(id)

	case "list":
		var lines []string
		for _, ban := range rt.SoftBans.List() {
			if ban.GroupID == req.Group.UUID {
				lines = append(lines, ban.AgentID+" "+ban.Expires.UTC().Format(time.RFC3339))
			}
		}
		sort.Strings(lines)
		result.Set(wire.KeyData, wire.JoinList(lines))

	default:
		return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return nil
}

// handleClassify maintains the shared token-frequency classifier. Learned
// weights replicate to horde peers like any other cache.
func handleClassify(_ context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionExecute); err != nil {
		return err
	}
	action, err := requireArg(req, "action")
	if err != nil {
		return err
	}
	text, err := requireArg(req, "text")
	if err != nil {
		return err
	}
	tokens := strings.Fields(strings.ToLower(text))

	switch action {
	case "learn":
		for _, token := range tokens {
			weight := 0
			if raw, ok := rt.Caches.Bayes.Get(token); ok {
				weight, _ = strconv.Atoi(raw)
			}
			rt.Caches.Bayes.Add(token, strconv.Itoa(weight+1))
		}

	case "forget":
		for _, token := range tokens {
			rt.Caches.Bayes.Remove(token)
		}

	case "score":
		score := 0
		for _, token := range tokens {
			if raw, ok := rt.Caches.Bayes.Get(token); ok {
				weight, _ := strconv.Atoi(raw)
				score += weight
			}
		}
		result.Set(wire.KeyData, strconv.Itoa(score))

	default:
		return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return nil
}

func handleSchedule(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionSchedule); err != nil {
		return err
	}
	action, err := requireArg(req, "action")
	if err != nil {
		return err
	}

	switch action {
	case "add":
		payload, err := requireArg(req, "payload")
		if err != nil {
			return err
		}
		if _, err := wire.Parse(payload); err != nil {
			return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("invalid payload: %v", err)}
		}
		everyRaw, err := requireArg(req, "every")
		if err != nil {
			return err
		}
		every, err := time.ParseDuration(everyRaw)
		if err != nil || every <= 0 {
			return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("invalid interval %q", everyRaw)}
		}
		id, err := rt.Schedules.Add(ctx, req.Group.UUID, payload, every)
		if err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store schedule: %v", err)}
		}
		result.Set(wire.KeyData, id)

	case "remove":
		id, err := requireArg(req, "id")
		if err != nil {
			return err
		}
		if err := rt.Schedules.Remove(ctx, id); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store schedule: %v", err)}
		}

	case "list":
		var ids []string
		for _, entry := range rt.Schedules.List(req.Group.UUID) {
			ids = append(ids, entry.ID)
		}
		result.Set(wire.KeyData, wire.JoinList(ids))

	default:
		return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return nil
}

func handleFeed(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error {
	if err := requirePermission(rt, req, config.PermissionNotifications); err != nil {
		return err
	}
	action, err := requireArg(req, "action")
	if err != nil {
		return err
	}

	switch action {
	case "add":
		url, err := requireArg(req, "url")
		if err != nil {
			return err
		}
		if err := rt.Feeds.Add(ctx, url, req.Raw.Get("name")); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store feed: %v", err)}
		}

	case "remove":
		url, err := requireArg(req, "url")
		if err != nil {
			return err
		}
		if err := rt.Feeds.Remove(ctx, url); err != nil {
			return &StatusError{Status: StatusServiceFailed, Reason: fmt.Sprintf("could not store feed: %v", err)}
		}

	case "list":
		urls := rt.Feeds.URLs()
		sort.Strings(urls)
		result.Set(wire.KeyData, wire.JoinList(urls))

	default:
		return &StatusError{Status: StatusMissingArgument, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return nil
}
