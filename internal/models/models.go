package models

import (
	"fmt"
	"time"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierTrial   Tier = "trial"
	TierPremium Tier = "premium"
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierTrial, TierPremium:
		return true
	}
	return false
}

type VIPStatus string

const (
	VIPStatusBasic    VIPStatus = "basic"
	VIPStatusVIP      VIPStatus = "vip"
	VIPStatusSuperVIP VIPStatus = "super_vip"
)

type JobKind string

const (
	JobWowMoment          JobKind = "wow_moment"
	JobTrialDay6Reminder  JobKind = "trial_day6_reminder"
	JobTrialEnded         JobKind = "trial_ended"
	JobSuperVIPDecaySweep JobKind = "super_vip_decay_sweep"
)

// Milestones are the streak lengths, in days, that are celebrated once.
var Milestones = []int{7, 30, 90}

// User is the per-user account record. Times are stored in UTC.
type User struct {
	ID                  int64
	TelegramID          int64
	Username            string
	FirstName           string
	LastName            string
	Tier                Tier
	TrialStartedAt      *time.Time
	TrialEndsAt         *time.Time
	PremiumStartedAt    *time.Time
	PremiumExpiresAt    *time.Time
	DailyMessageCount   int
	DailyCountResetDate string
	PeriodMessageCount  int
	ReferralCount       int
	IsUnlocked          bool
	ReferredBy          *int64
	LastActivityAt      *time.Time
	SuperVIPSince       *time.Time
	SuperVIPWarnedAt    *time.Time
	StreakDays          int
	StreakDate          string
	MilestonesAchieved  []int
	CampaignMarks       map[JobKind]time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy so a mutator can work on it without touching the original.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.TrialStartedAt = cloneTime(u.TrialStartedAt)
	c.TrialEndsAt = cloneTime(u.TrialEndsAt)
	c.PremiumStartedAt = cloneTime(u.PremiumStartedAt)
	c.PremiumExpiresAt = cloneTime(u.PremiumExpiresAt)
	c.LastActivityAt = cloneTime(u.LastActivityAt)
	c.SuperVIPSince = cloneTime(u.SuperVIPSince)
	c.SuperVIPWarnedAt = cloneTime(u.SuperVIPWarnedAt)
	if u.ReferredBy != nil {
		v := *u.ReferredBy
		c.ReferredBy = &v
	}
	c.MilestonesAchieved = append([]int(nil), u.MilestonesAchieved...)
	if u.CampaignMarks != nil {
		c.CampaignMarks = make(map[JobKind]time.Time, len(u.CampaignMarks))
		for k, v := range u.CampaignMarks {
			c.CampaignMarks[k] = v
		}
	}
	return &c
}

// EffectiveTier returns the tier that governs behaviour at now and whether the
// stored tier has lapsed. It never mutates the user.
func (u *User) EffectiveTier(now time.Time) (Tier, bool) {
	switch u.Tier {
	case TierPremium:
		if u.PremiumExpiresAt != nil && now.After(*u.PremiumExpiresAt) {
			return TierFree, true
		}
	case TierTrial:
		if u.TrialEndsAt != nil && now.After(*u.TrialEndsAt) {
			return TierFree, true
		}
	case TierFree:
	default:
		return TierFree, true
	}
	return u.Tier, false
}

// ApplyExpiry downgrades a lapsed trial or premium to free in place.
// It reports whether the record changed.
func (u *User) ApplyExpiry(now time.Time) bool {
	tier, expired := u.EffectiveTier(now)
	if !expired {
		return false
	}
	u.Tier = tier
	return true
}

// DailyCount returns the free-tier message count for the given day. A counter
// last reset on another day is logically zero.
func (u *User) DailyCount(today string) int {
	if u.DailyCountResetDate != today {
		return 0
	}
	return u.DailyMessageCount
}

// ResetDailyIfStale zeroes the daily counter when it belongs to another day.
func (u *User) ResetDailyIfStale(today string) bool {
	if u.DailyCountResetDate == today {
		return false
	}
	u.DailyMessageCount = 0
	u.DailyCountResetDate = today
	return true
}

func (u *User) VIPStatus() VIPStatus {
	switch {
	case u.SuperVIPSince != nil:
		return VIPStatusSuperVIP
	case u.IsUnlocked:
		return VIPStatusVIP
	default:
		return VIPStatusBasic
	}
}

func (u *User) HasMilestone(days int) bool {
	for _, m := range u.MilestonesAchieved {
		if m == days {
			return true
		}
	}
	return false
}

// CampaignSentSince reports whether kind was delivered at or after since.
func (u *User) CampaignSentSince(kind JobKind, since time.Time) bool {
	at, ok := u.CampaignMarks[kind]
	if !ok {
		return false
	}
	return !at.Before(since)
}

func (u *User) MarkCampaign(kind JobKind, at time.Time) {
	if u.CampaignMarks == nil {
		u.CampaignMarks = make(map[JobKind]time.Time)
	}
	u.CampaignMarks[kind] = at
}

func (u *User) UnmarkCampaign(kind JobKind, previous *time.Time) {
	if previous == nil {
		delete(u.CampaignMarks, kind)
		return
	}
	u.MarkCampaign(kind, *previous)
}

// Job is a persisted scheduled job. One-shot jobs have an empty CronSpec.
type Job struct {
	ID          string
	Kind        JobKind
	UserID      int64
	FireAt      time.Time
	CronSpec    string
	Attempts    int
	LockedBy    string
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (j Job) Recurring() bool {
	return j.CronSpec != ""
}

// JobID derives the deterministic job key for kind and user, so scheduling the
// same kind again for the same user replaces the previous registration.
func JobID(kind JobKind, userID int64) string {
	return fmt.Sprintf("%s:%d", kind, userID)
}

// GlobalJobID is the key of a job that is not bound to a single user.
func GlobalJobID(kind JobKind) string {
	return fmt.Sprintf("%s:all", kind)
}

type Payment struct {
	ID             int64
	UserID         int64
	PlanID         *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Plan struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	DurationMonths  int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
