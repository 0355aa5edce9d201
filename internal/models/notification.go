package models

import "time"

type NotificationKind string

const (
	NotifyWowMoment         NotificationKind = "wow_moment"
	NotifyTrialReminder     NotificationKind = "trial_reminder"
	NotifyTrialEnded        NotificationKind = "trial_ended"
	NotifySuperVIPWarning   NotificationKind = "super_vip_warning"
	NotifySuperVIPDowngrade NotificationKind = "super_vip_downgrade"
	NotifySuperVIPGranted   NotificationKind = "super_vip_granted"
	NotifyReferralUnlocked  NotificationKind = "referral_unlocked"
	NotifyMilestone         NotificationKind = "milestone"
	NotifyQuotaLow          NotificationKind = "quota_low"
	NotifyPremiumActivated  NotificationKind = "premium_activated"
)

// ValueReport is the value-realisation statistic shown in WOW and reminder messages.
type ValueReport struct {
	Messages     int     `json:"messages"`
	Days         int     `json:"days"`
	MinutesSaved float64 `json:"minutes_saved"`
	HoursSaved   float64 `json:"hours_saved"`
	Value        float64 `json:"value"`
	Cost         float64 `json:"cost"`
	Profit       float64 `json:"profit"`
	ROIPercent   float64 `json:"roi_percent"`
}

// Notification is the structured payload handed to the messaging layer.
// Only the fields relevant to Kind are populated.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	TelegramID   int64            `json:"telegram_id"`
	Tier         Tier             `json:"tier,omitempty"`
	Value        *ValueReport     `json:"value,omitempty"`
	TrialEndsAt  *time.Time       `json:"trial_ends_at,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	DaysInactive int              `json:"days_inactive,omitempty"`
	DaysLeft     int              `json:"days_left,omitempty"`
	Milestone    int              `json:"milestone,omitempty"`
	Referrals    int              `json:"referrals,omitempty"`
	Remaining    int              `json:"remaining,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
