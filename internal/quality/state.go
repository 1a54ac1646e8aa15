package quality

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mikeyg42/streamplayer/internal/storage"
)

// Storage field names. Times are unix seconds.
const (
	keyUpgradeTimeout   = "upgradeTimeout"
	keyLastDowngrade    = "lastDowngradeTime"
	keyLastUpgrade      = "lastUpgradeTime"
	keyUpgradeAttempts  = "upgradeAttempts"
	keyFailedAttempts   = "failedUpgradeAttempts"
	keyBandwidthCap     = "bandwidthCapValue"
	keyBandwidthCapTime = "bandwidthCapTime"
	keyResolutionWidth  = "resolutionWidth"
	keyResolutionHeight = "resolutionHeight"
	keyPreselected      = "preselectedResolution"
	keySavedIP          = "savedLocalIP"
)

// State is the persisted backoff and cap bookkeeping.
type State struct {
	UpgradeTimeout        int64 `json:"upgradeTimeout"` // seconds
	LastDowngradeTime     int64 `json:"lastDowngradeTime"`
	LastUpgradeTime       int64 `json:"lastUpgradeTime"`
	UpgradeAttempts       int   `json:"upgradeAttempts"`
	FailedUpgradeAttempts int   `json:"failedUpgradeAttempts"`
	BandwidthCap          int   `json:"bandwidthCapValue"` // kbps, 0 = none
	BandwidthCapTime      int64 `json:"bandwidthCapTime"`

	// rapidDowngrades counts downgrades inside one cooldown window without
	// an upgrade in between. It is not persisted.
	rapidDowngrades int
}

func (s *State) fields() map[string]string {
	return map[string]string{
		keyUpgradeTimeout:   strconv.FormatInt(s.UpgradeTimeout, 10),
		keyLastDowngrade:    strconv.FormatInt(s.LastDowngradeTime, 10),
		keyLastUpgrade:      strconv.FormatInt(s.LastUpgradeTime, 10),
		keyUpgradeAttempts:  strconv.Itoa(s.UpgradeAttempts),
		keyFailedAttempts:   strconv.Itoa(s.FailedUpgradeAttempts),
		keyBandwidthCap:     strconv.Itoa(s.BandwidthCap),
		keyBandwidthCapTime: strconv.FormatInt(s.BandwidthCapTime, 10),
	}
}

// Save writes every field. Fields are written one by one; there is no
// transaction, so the last writer wins.
func (s *State) Save(ctx context.Context, kv storage.KV) error {
	for name, value := range s.fields() {
		if err := kv.Set(ctx, name, value); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the fields present in kv and leaves missing ones untouched.
func (s *State) Load(ctx context.Context, kv storage.KV) error {
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{keyUpgradeTimeout, &s.UpgradeTimeout},
		{keyLastDowngrade, &s.LastDowngradeTime},
		{keyLastUpgrade, &s.LastUpgradeTime},
		{keyBandwidthCapTime, &s.BandwidthCapTime},
	} {
		if err := loadInt(ctx, kv, f.name, f.dst); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{keyUpgradeAttempts, &s.UpgradeAttempts},
		{keyFailedAttempts, &s.FailedUpgradeAttempts},
		{keyBandwidthCap, &s.BandwidthCap},
	} {
		var v int64
		ok, err := readInt(ctx, kv, f.name, &v)
		if err != nil {
			return err
		}
		if ok {
			*f.dst = int(v)
		}
	}
	return nil
}

// reset clears the backoff episode and the cap.
func (s *State) reset(initial int64) {
	s.UpgradeTimeout = initial
	s.LastDowngradeTime = 0
	s.LastUpgradeTime = 0
	s.UpgradeAttempts = 0
	s.FailedUpgradeAttempts = 0
	s.BandwidthCap = 0
	s.BandwidthCapTime = 0
	s.rapidDowngrades = 0
}

func loadInt(ctx context.Context, kv storage.KV, name string, dst *int64) error {
	_, err := readInt(ctx, kv, name, dst)
	return err
}

func readInt(ctx context.Context, kv storage.KV, name string, dst *int64) (bool, error) {
	raw, ok, err := kv.Get(ctx, name)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	*dst = int64(v)
	return true, nil
}
