package gateway

import "path"

// RoutingContext is the set of fields a binding's match rule inspects.
type RoutingContext struct {
	ChannelID   string
	PeerID      string
	AccountID   string
	GroupID     string
	MessageType string
}

// MatchPattern maps a routing-context field name to a literal or glob
// pattern (as understood by path.Match). An empty MatchPattern is a
// catch-all that matches every message.
type MatchPattern map[string]string

// Binding maps a match rule to an agent id. Declaration order is
// significant: bindings are compiled and resolved in list order, first
// match wins.
type Binding struct {
	AgentID string
	Match   MatchPattern
}

type compiledField struct {
	name    string
	pattern string
}

type compiledBinding struct {
	agentID string
	fields  []compiledField
}

// BindingResolver compiles a declaration-ordered list of bindings into
// match closures and resolves inbound messages against them.
type BindingResolver struct {
	compiled []compiledBinding
}

// NewBindingResolver compiles bindings in declaration order.
func NewBindingResolver(bindings []Binding) *BindingResolver {
	compiled := make([]compiledBinding, 0, len(bindings))
	for _, b := range bindings {
		fields := make([]compiledField, 0, len(b.Match))
		for field, pattern := range b.Match {
			fields = append(fields, compiledField{name: field, pattern: pattern})
		}
		compiled = append(compiled, compiledBinding{agentID: b.AgentID, fields: fields})
	}
	return &BindingResolver{compiled: compiled}
}

// Resolve walks compiled bindings in order and returns the first matching
// agent id. A binding with no fields is a catch-all and matches everything.
func (r *BindingResolver) Resolve(ctx RoutingContext) (string, bool) {
	for _, b := range r.compiled {
		if matches(b, ctx) {
			return b.agentID, true
		}
	}
	return "", false
}

// HasCatchAll reports whether any compiled binding is a catch-all
// (match: {}), which by design disables downstream channel-based routing.
func (r *BindingResolver) HasCatchAll() bool {
	for _, b := range r.compiled {
		if len(b.fields) == 0 {
			return true
		}
	}
	return false
}

func matches(b compiledBinding, ctx RoutingContext) bool {
	for _, f := range b.fields {
		value := fieldValue(ctx, f.name)
		ok, err := path.Match(f.pattern, value)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func fieldValue(ctx RoutingContext, field string) string {
	switch field {
	case "channelId":
		return ctx.ChannelID
	case "peerId":
		return ctx.PeerID
	case "accountId":
		return ctx.AccountID
	case "groupId":
		return ctx.GroupID
	case "messageType":
		return ctx.MessageType
	default:
		return ""
	}
}
