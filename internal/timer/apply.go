package timer

import (
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/blocklist"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

// Applier performs the change a countdown was guarding.
type Applier struct {
	cache    *store.Cache
	notifier domain.Notifier
	logger   *zap.Logger
}

// NewApplier creates an applier writing through cache.
func NewApplier(cache *store.Cache, notifier domain.Notifier, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{cache: cache, notifier: notifier, logger: logger}
}

// Apply commits the pending change for key:
//   - the delay key takes target (null allowed) as the new delay
//   - a "list-->item" key appends item to list
//   - any other key is a feature switch and is forced off
//
// A "turn-off-setting" event follows regardless of the branch taken.
func (a *Applier) Apply(key string, target any) error {
	var err error

	switch {
	case settings.IsDelayKey(key):
		err = a.cache.Update(store.Preferences, func(m store.Map) error {
			m[key] = target
			return nil
		})
		if err == nil {
			a.logger.Info("delay timeout changed", zap.Any("value", target))
			a.notifier.Emit(domain.EventPreferencesUpdated, nil)
		}

	case settings.IsComposite(key):
		list, item, ok := settings.ParseCompositeKey(key)
		if !ok {
			a.logger.Warn("malformed composite key", zap.String("key", key))
			break
		}
		err = a.cache.Update(store.BlockData, func(m store.Map) error {
			if !blocklist.Append(m, list, item) {
				a.logger.Info("item already present", zap.String("list", list), zap.String("item", item))
				return store.ErrNoChange
			}
			return nil
		})
		if err == nil {
			a.logger.Info("item released", zap.String("list", list), zap.String("item", item))
			a.notifier.Emit(domain.EventBlockDataUpdated, map[string]any{"key": list, "item": item})
		}

	default:
		err = a.cache.Update(store.Preferences, func(m store.Map) error {
			m[key] = false
			return nil
		})
		if err == nil {
			a.logger.Info("setting turned off", zap.String("key", key))
			a.notifier.Emit(domain.EventPreferencesUpdated, nil)
		}
	}

	if err != nil {
		a.logger.Error("failed to apply pending change", zap.String("key", key), zap.Error(err))
	}
	a.notifier.Emit(domain.EventSettingTurnedOff, map[string]any{"settingId": key})
	return err
}
