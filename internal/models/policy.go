package models

// CalendarPolicy controls how events from one source calendar are copied.
type CalendarPolicy struct {
	Skip         bool // Never copy events from this calendar
	AllowFullDay bool // Copy all-day events too
}

// PolicyTable is an immutable lookup of CalendarPolicy by calendar name.
// The zero value applies the default policy to every calendar.
type PolicyTable struct {
	policies map[string]CalendarPolicy
}

// NewPolicyTable builds a PolicyTable from the configured skip and full-day lists.
func NewPolicyTable(skip, allowFullDay []string) PolicyTable {
	policies := make(map[string]CalendarPolicy, len(skip)+len(allowFullDay))
	for _, name := range skip {
		p := policies[name]
		p.Skip = true
		policies[name] = p
	}
	for _, name := range allowFullDay {
		p := policies[name]
		p.AllowFullDay = true
		policies[name] = p
	}
	return PolicyTable{policies: policies}
}

// Lookup returns the policy for a calendar. Unlisted calendars get
// CalendarPolicy{Skip: false, AllowFullDay: false}.
func (t PolicyTable) Lookup(calendar string) CalendarPolicy {
	return t.policies[calendar]
}
