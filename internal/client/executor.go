package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Executor runs one action for the bridge. The returned value is sent back
// as the response data; an error becomes the response error message.
type Executor interface {
	Execute(ctx context.Context, action string, params json.RawMessage) (interface{}, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string, params json.RawMessage) (interface{}, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, action string, params json.RawMessage) (interface{}, error) {
	return f(ctx, action, params)
}

// ActionGetSkill is the discovery action. It never requires a license.
const ActionGetSkill = "get_skill"

// SkillDoc describes the actions this agent understands.
const SkillDoc = `# Reddit bridge actions

Call actions with POST /actions {"action": "...", "params": {...}, "timeoutMs": 60000}.

- get_skill: this document.
- fetch_subreddit {subreddit|url, sort?}: listing for a subreddit (sort: hot, new, top, rising, best).
- search_reddit {query, sort?, time?, subreddit?}: search results.
- fetch_user_posts {username, sort?, time?}: a user's submissions.
- fetch_post {url}: a post with its comments.
- reply_to_comment {commentUrl, replyText}: post a reply as the signed-in user.
`

// Actions is a static action table. Unknown actions fail with
// "unknown action: <name>".
type Actions map[string]ExecutorFunc

// Execute dispatches to the registered handler.
func (a Actions) Execute(ctx context.Context, action string, params json.RawMessage) (interface{}, error) {
	if h, ok := a[action]; ok {
		return h(ctx, action, params)
	}
	return nil, fmt.Errorf("unknown action: %s", action)
}

// DefaultActions serves get_skill only; the remaining actions belong to the
// browser extension.
func DefaultActions() Actions {
	return Actions{
		ActionGetSkill: func(context.Context, string, json.RawMessage) (interface{}, error) {
			return SkillDoc, nil
		},
	}
}

// LicenseCheck reports whether a license key is currently valid.
// license.Validator.Valid satisfies it.
type LicenseCheck func(ctx context.Context, key string) bool

// Errors returned by the license gate, worded for the operator.
var (
	ErrNoLicense      = errors.New("no license key configured; pass --license-key to the agent")
	ErrLicenseInvalid = errors.New("license expired or invalid; renew your subscription")
)

// RequireLicense wraps next so that every action except get_skill needs a
// valid license key.
func RequireLicense(next Executor, check LicenseCheck, key string) Executor {
	key = strings.TrimSpace(key)
	return ExecutorFunc(func(ctx context.Context, action string, params json.RawMessage) (interface{}, error) {
		if action == ActionGetSkill {
			return next.Execute(ctx, action, params)
		}
		if key == "" {
			return nil, ErrNoLicense
		}
		if !check(ctx, key) {
			return nil, ErrLicenseInvalid
		}
		return next.Execute(ctx, action, params)
	})
}
