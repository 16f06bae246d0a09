// Copyright 2025 UHDSlave
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"fmt"
	"time"
)

// Dimension identifies the axis a counter or directive applies to.
type Dimension string

const (
	DimIP     Dimension = "ip"
	DimUser   Dimension = "user"
	DimDevice Dimension = "device"
	DimGlobal Dimension = "global"
)

// Period identifies a quota accounting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// QuotaKind distinguishes request-count counters from bandwidth counters.
type QuotaKind string

const (
	QuotaRequests  QuotaKind = "req"
	QuotaBandwidth QuotaKind = "bw"
)

// TTLs for every key family. Other packages never pick their own values.
const (
	TokenMapTTL      = 7 * 24 * time.Hour
	DeviceUserTTL    = 7 * 24 * time.Hour
	ActiveSessionTTL = 90 * time.Second
	RemainTTL        = 600 * time.Second
	TokenReportTTL   = 10 * time.Minute
	EnforceDefault   = 600 * time.Second

	DailyCounterTTL   = 86400 * time.Second
	MonthlyCounterTTL = 2678400 * time.Second
)

// CounterPeriods are the periods local counters are written for. Remaining
// mirrors additionally cover PeriodWeekly; that asymmetry is deliberate.
var CounterPeriods = []Period{PeriodDaily, PeriodMonthly}

// MirrorPeriods are the periods remaining-capacity mirrors are read across.
var MirrorPeriods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

// PeriodKey returns the UTC bucket identifier for a period at time t.
// Daily buckets are yyyy-mm-dd, monthly buckets yyyy-mm. Weekly has no
// local counter and therefore no period key.
func PeriodKey(p Period, t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodDaily:
		return t.Format("2006-01-02")
	case PeriodMonthly:
		return t.Format("2006-01")
	default:
		return ""
	}
}

// PeriodTTL returns the expiry applied to a counter key for a period.
func PeriodTTL(p Period) time.Duration {
	if p == PeriodMonthly {
		return MonthlyCounterTTL
	}
	return DailyCounterTTL
}

// TokenMapKey maps an access token to its learned identity record.
func TokenMapKey(token string) string {
	return "token_map:" + token
}

// DeviceUserKey is the device-to-user fallback populated by session polling.
func DeviceUserKey(deviceID string) string {
	return "device_user:" + deviceID
}

// ActiveSessionKey identifies one playback attempt by a user.
func ActiveSessionKey(userID, playSessionID string) string {
	return fmt.Sprintf("active_session:%s:%s", userID, playSessionID)
}

// ActiveSessionPattern matches all sessions of one user ("*" for all users).
func ActiveSessionPattern(userID string) string {
	return fmt.Sprintf("active_session:%s:*", userID)
}

// QuotaKey is a monotonically increasing usage counter for one period bucket.
func QuotaKey(kind QuotaKind, dim Dimension, value string, p Period, periodKey string) string {
	return fmt.Sprintf("quota:%s:%s:%s:%s:%s", kind, dim, value, p, periodKey)
}

// QuotaPattern matches all quota counters of the given kind.
func QuotaPattern(kind QuotaKind) string {
	return fmt.Sprintf("quota:%s:*", kind)
}

// RemainKey is the control-plane-computed remaining-capacity mirror.
func RemainKey(kind QuotaKind, dim Dimension, value string, p Period) string {
	return fmt.Sprintf("remain:%s:%s:%s:%s", kind, dim, value, p)
}

// EnforceKey holds a control-plane enforcement directive for one target.
func EnforceKey(dim Dimension, value string) string {
	return fmt.Sprintf("enforce:%s:%s", dim, value)
}

// EnforcePattern matches the whole enforcement set.
const EnforcePattern = "enforce:*"

// TokenReportKey queues a learned login for upstream reporting. The nonce
// keeps concurrent logins in the same second from colliding.
func TokenReportKey(ts time.Time, nonce string) string {
	return fmt.Sprintf("token_report:%d:%s", ts.Unix(), nonce)
}

// TokenReportPattern matches all queued login reports.
const TokenReportPattern = "token_report:*"
