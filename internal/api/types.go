package api

import (
	"time"

	"github.com/arnavxdyt/dc-bot/internal/store"
)

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type UnitPayload struct {
	UnitID           string    `json:"unit_id"`
	Owner            string    `json:"owner"`
	SharedWith       []string  `json:"shared_with"`
	RAMGB            int       `json:"ram_gb"`
	CPU              int       `json:"cpu"`
	DiskGB           int       `json:"disk_gb"`
	HTTPPort         int       `json:"http_port"`
	SSH              string    `json:"ssh,omitempty"`
	Status           string    `json:"status"`
	SuspendReason    string    `json:"suspend_reason,omitempty"`
	PaidPlan         bool      `json:"paid_plan"`
	GiveawayUnit     bool      `json:"giveaway_unit"`
	ServiceManagerOK bool      `json:"service_manager_ok"`
	CredentialOK     bool      `json:"credential_ok"`
	ExtraPorts       []int     `json:"extra_ports,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func toUnitPayload(rec store.UnitRecord) UnitPayload {
	return UnitPayload{
		UnitID:           rec.UnitID,
		Owner:            rec.Owner,
		SharedWith:       rec.SharedWith,
		RAMGB:            rec.RAMGB,
		CPU:              rec.CPU,
		DiskGB:           rec.DiskGB,
		HTTPPort:         rec.HTTPPort,
		SSH:              rec.SSH,
		Status:           rec.Status,
		SuspendReason:    rec.SuspendReason,
		PaidPlan:         rec.PaidPlan,
		GiveawayUnit:     rec.GiveawayUnit,
		ServiceManagerOK: rec.ServiceManagerOK,
		CredentialOK:     rec.CredentialOK,
		ExtraPorts:       rec.ExtraPorts,
		CreatedAt:        rec.CreatedAt,
		ExpiresAt:        rec.ExpiresAt,
	}
}

type CreateUnitRequest struct {
	Owner  string `json:"owner,omitempty"`
	RAMGB  int    `json:"ram_gb"`
	CPU    int    `json:"cpu"`
	DiskGB int    `json:"disk_gb"`
	Paid   bool   `json:"paid"`
}

type UnitResponse struct {
	OK   bool        `json:"ok"`
	Unit UnitPayload `json:"unit"`
}

type UnitListResponse struct {
	OK    bool          `json:"ok"`
	Units []UnitPayload `json:"units"`
}

type ShareRequest struct {
	TenantID string `json:"tenant_id"`
}

type PortRequest struct {
	Port int `json:"port"`
}

type InviteRequest struct {
	Referrer string `json:"referrer"`
	Referred string `json:"referred"`
}

type InviteResponse struct {
	OK       bool `json:"ok"`
	Credited bool `json:"credited"`
}

type LedgerResponse struct {
	OK       bool               `json:"ok"`
	TenantID string             `json:"tenant_id"`
	Ledger   store.TenantLedger `json:"ledger"`
}

type ClaimResponse struct {
	OK      bool `json:"ok"`
	Claimed int  `json:"claimed"`
	Points  int  `json:"points"`
}

type RenewModeBody struct {
	Mode string `json:"mode"`
}

type GiveawayPayload struct {
	GiveawayID   string            `json:"giveaway_id"`
	Prize        string            `json:"prize,omitempty"`
	EndTime      time.Time         `json:"end_time"`
	Participants []string          `json:"participants"`
	WinnerPolicy string            `json:"winner_policy"`
	Status       string            `json:"status"`
	RAMGB        int               `json:"ram_gb"`
	CPU          int               `json:"cpu"`
	DiskGB       int               `json:"disk_gb"`
	AwardedUnits map[string]string `json:"awarded_units"`
}

func toGiveawayPayload(rec store.GiveawayRecord) GiveawayPayload {
	return GiveawayPayload{
		GiveawayID:   rec.GiveawayID,
		Prize:        rec.Prize,
		EndTime:      rec.EndTime,
		Participants: rec.Participants,
		WinnerPolicy: rec.WinnerPolicy,
		Status:       rec.Status,
		RAMGB:        rec.RAMGB,
		CPU:          rec.CPU,
		DiskGB:       rec.DiskGB,
		AwardedUnits: rec.AwardedUnits,
	}
}

type OpenGiveawayRequest struct {
	Prize        string    `json:"prize"`
	EndTime      time.Time `json:"end_time"`
	WinnerPolicy string    `json:"winner_policy"`
	RAMGB        int       `json:"ram_gb"`
	CPU          int       `json:"cpu"`
	DiskGB       int       `json:"disk_gb"`
}

type GiveawayResponse struct {
	OK       bool            `json:"ok"`
	Giveaway GiveawayPayload `json:"giveaway"`
}

type GiveawayListResponse struct {
	OK        bool              `json:"ok"`
	Giveaways []GiveawayPayload `json:"giveaways"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      int64  `json:"uptime_seconds"`
	RuntimeOK   bool   `json:"runtime_ok"`
	ActiveUnits int    `json:"active_units"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
