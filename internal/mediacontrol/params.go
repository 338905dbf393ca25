package mediacontrol

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/aura-webinar/restream/internal/errs"
)

// Wire actions of the media control API.
const (
	ActionAddRepublishing    = "add_republishing"
	ActionRemoveRepublishing = "remove_republishing"
	ActionToggleRepublishing = "toggle_republishing"
	ActionRepublishingRules  = "republishing_rules"
	ActionServerConfig       = "server_config"
	ActionServerStats        = "server_stats"
)

// AddRuleParams describes one republishing rule to create.
type AddRuleParams struct {
	SrcApp     string
	SrcStream  string
	DestAddr   string
	DestPort   int
	DestApp    string
	DestStream string
	Enabled    bool
}

// Validate checks the params before they are signed.
func (p AddRuleParams) Validate() error {
	v := &errs.ValidationError{}
	required := map[string]string{
		"src_app":     p.SrcApp,
		"src_stream":  p.SrcStream,
		"dest_addr":   p.DestAddr,
		"dest_app":    p.DestApp,
		"dest_stream": p.DestStream,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			v.Add(field, "required")
		}
	}
	if p.DestPort < 1 || p.DestPort > 65535 {
		v.Add("dest_port", "must be between 1 and 65535")
	}
	return v.OrNil()
}

// Values renders the wire fields.
func (p AddRuleParams) Values() url.Values {
	return url.Values{
		"src_app":     {p.SrcApp},
		"src_stream":  {p.SrcStream},
		"dest_addr":   {p.DestAddr},
		"dest_port":   {strconv.Itoa(p.DestPort)},
		"dest_app":    {p.DestApp},
		"dest_stream": {p.DestStream},
		"enabled":     {strconv.FormatBool(p.Enabled)},
	}
}

// RemoveRuleParams identifies the rule to delete.
type RemoveRuleParams struct {
	RuleID string
}

func (p RemoveRuleParams) Validate() error {
	if strings.TrimSpace(p.RuleID) == "" {
		return errs.NewValidationError("rule_id", "required")
	}
	return nil
}

func (p RemoveRuleParams) Values() url.Values {
	return url.Values{"rule_id": {p.RuleID}}
}

// ToggleRuleParams switches a rule on or off.
type ToggleRuleParams struct {
	RuleID  string
	Enabled bool
}

func (p ToggleRuleParams) Validate() error {
	if strings.TrimSpace(p.RuleID) == "" {
		return errs.NewValidationError("rule_id", "required")
	}
	return nil
}

func (p ToggleRuleParams) Values() url.Values {
	return url.Values{"rule_id": {p.RuleID}, "enabled": {strconv.FormatBool(p.Enabled)}}
}

// RuleID accepts both numeric and string identifiers from the server.
type RuleID string

func (id *RuleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RuleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = RuleID(n.String())
	return nil
}

// Rule is a republishing rule as reported by the server.
type Rule struct {
	ID         RuleID `json:"id"`
	SrcApp     string `json:"src_app"`
	SrcStream  string `json:"src_stream"`
	DestAddr   string `json:"dest_addr"`
	DestPort   int    `json:"dest_port"`
	DestApp    string `json:"dest_app"`
	DestStream string `json:"dest_stream"`
	Enabled    bool   `json:"enabled"`
}

// Matches reports whether the rule forwards the given source to the given destination.
func (r Rule) Matches(srcApp, srcStream, destApp, destStream string) bool {
	return r.SrcApp == srcApp && r.SrcStream == srcStream &&
		r.DestApp == destApp && r.DestStream == destStream
}

// StreamStat is one entry of the server stats "streams" array.
type StreamStat struct {
	Name      string `json:"name"`
	Stream    string `json:"stream"`
	App       string `json:"app"`
	Bandwidth int64  `json:"bandwidth,omitempty"`
	Clients   int    `json:"clients,omitempty"`
}

// ServerStats is the subset of server stats used by this service.
type ServerStats struct {
	Streams []StreamStat `json:"streams"`
}
