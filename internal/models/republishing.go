package models

// RepublishingStatus is the outcome of synchronizing one destination.
type RepublishingStatus string

const (
	RepublishingConfigured     RepublishingStatus = "configured"
	RepublishingManualRequired RepublishingStatus = "manual_required"
)

// ManualConfig is what an operator has to enter by hand in the media server panel.
type ManualConfig struct {
	SourceApp    string `json:"source_app"`
	SourceStream string `json:"source_stream"`
	DestAddr     string `json:"dest_addr"`
	DestPort     int    `json:"dest_port"`
	DestApp      string `json:"dest_app"`
	DestStream   string `json:"dest_stream"`
}

// RepublishingResult reports how one destination was synchronized.
type RepublishingResult struct {
	DestinationID string             `json:"destination_id,omitempty"`
	Destination   string             `json:"destination"`
	Status        RepublishingStatus `json:"status"`
	Message       string             `json:"message"`
	RuleID        string             `json:"rule_id,omitempty"`
	Details       *ManualConfig      `json:"details,omitempty"`
}
