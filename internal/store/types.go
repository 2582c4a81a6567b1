package store

import "time"

// Unit lifecycle statuses. "provisioning" is transient and never persisted.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRemoved   = "removed"
)

// Why a unit is suspended. Manual stop and forced expiry share the
// suspended status but must stay distinguishable.
const (
	SuspendReasonManual  = "manual"
	SuspendReasonExpired = "expired"
)

const (
	WinnerSingleRandom    = "single-random"
	WinnerAllParticipants = "all-participants"
)

const (
	GiveawayActive = "active"
	GiveawayEnded  = "ended"
)

// PlaceholderCredential is recorded when credential extraction fails so the
// unit is still usable and the credential can be regenerated later.
const PlaceholderCredential = "ssh@tmate.io"

type TenantLedger struct {
	Points       int       `json:"points"`
	InvUnclaimed int       `json:"inv_unclaimed"`
	InvTotal     int       `json:"inv_total"`
	UniqueJoins  []string  `json:"unique_joins"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (l TenantLedger) HasJoin(tenant string) bool {
	for _, j := range l.UniqueJoins {
		if j == tenant {
			return true
		}
	}
	return false
}

type UnitRecord struct {
	UnitID           string    `json:"unit_id"`
	Owner            string    `json:"owner"`
	SharedWith       []string  `json:"shared_with"`
	RAMGB            int       `json:"ram_gb"`
	CPU              int       `json:"cpu"`
	DiskGB           int       `json:"disk_gb"`
	HTTPPort         int       `json:"http_port"`
	SSH              string    `json:"ssh"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Status           string    `json:"status"`
	SuspendReason    string    `json:"suspend_reason,omitempty"`
	PaidPlan         bool      `json:"paid_plan"`
	GiveawayUnit     bool      `json:"giveaway_unit"`
	ServiceManagerOK bool      `json:"service_manager_ok"`
	CredentialOK     bool      `json:"credential_ok"`
	ExtraPorts       []int     `json:"extra_ports,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

func (u UnitRecord) SharedAmong(tenant string) bool {
	for _, s := range u.SharedWith {
		if s == tenant {
			return true
		}
	}
	return false
}

type GiveawayRecord struct {
	GiveawayID   string            `json:"giveaway_id"`
	Prize        string            `json:"prize"`
	EndTime      time.Time         `json:"end_time"`
	Participants []string          `json:"participants"`
	WinnerPolicy string            `json:"winner_policy"`
	Status       string            `json:"status"`
	RAMGB        int               `json:"ram_gb"`
	CPU          int               `json:"cpu"`
	DiskGB       int               `json:"disk_gb"`
	AwardedUnits map[string]string `json:"awarded_units"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (g GiveawayRecord) HasParticipant(tenant string) bool {
	for _, p := range g.Participants {
		if p == tenant {
			return true
		}
	}
	return false
}

type ledgerSnapshot struct {
	Tenants   map[string]TenantLedger `json:"tenants"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type registrySnapshot struct {
	Units     map[string]UnitRecord `json:"units"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type giveawaySnapshot struct {
	Giveaways map[string]GiveawayRecord `json:"giveaways"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

type renewModeSnapshot struct {
	Mode string `json:"mode"`
}
