package service

import (
	"math"
	"time"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
)

// ComputeValue estimates what the assistant was worth over days: time saved
// per message priced at the hourly value, against the prorated subscription
// cost for the same period.
func ComputeValue(messages, days int, cfg config.Config) models.ValueReport {
	if messages < 0 {
		messages = 0
	}
	if days < 1 {
		days = 1
	}
	minutes := float64(messages) * cfg.MinutesSavedPerMessage
	hours := minutes / 60
	value := hours * cfg.HourlyValue
	cost := cfg.PremiumMonthlyPrice / 30 * float64(days)
	profit := value - cost

	var roi float64
	if cost > 0 {
		roi = profit / cost * 100
	}

	return models.ValueReport{
		Messages:     messages,
		Days:         days,
		MinutesSaved: round2(minutes),
		HoursSaved:   round2(hours),
		Value:        round2(value),
		Cost:         round2(cost),
		Profit:       round2(profit),
		ROIPercent:   math.Round(roi),
	}
}

// elapsedDays counts started days between since and now, at least one.
func elapsedDays(since, now time.Time) int {
	if !now.After(since) {
		return 1
	}
	return int(math.Ceil(now.Sub(since).Hours() / 24))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
