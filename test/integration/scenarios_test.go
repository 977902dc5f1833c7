//go:build integration

package integration

import (
	"context"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

var _ = Describe("Delay guard", func() {
	var (
		dataDir string
		d       *daemon
	)

	BeforeEach(func() {
		var err error
		dataDir, err = os.MkdirTemp("", "delayguard-integration-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if d != nil {
			d.stop()
			d = nil
		}
		os.RemoveAll(dataDir)
	})

	readDisk := func(doc store.Document) store.Map {
		m, err := store.NewFileStore(dataDir, nil, nil).Read(doc)
		Expect(err).NotTo(HaveOccurred())
		return m
	}
	timerInfo := func() map[string]any {
		return settings.TimerInfo(readDisk(store.Preferences))
	}

	Describe("delayed changes", func() {
		Context("when a countdown runs to completion", func() {
			It("should turn the setting off and forget the countdown", func() {
				d = startDaemon(dataDir)
				Expect(d.engine.SavePreference(settings.KeyDelayTimeout, 50)).To(Succeed())
				Expect(d.engine.SavePreference("X", true)).To(Succeed())

				Expect(d.engine.StartTimer("X", nil, nil)).To(Succeed())
				Expect(timerInfo()).To(HaveKey("X"))

				Eventually(func() []any {
					return d.events.payloads(domain.EventTimerExpired)
				}, 2*time.Second, 5*time.Millisecond).Should(ContainElement(HaveKeyWithValue("settingId", "X")))

				Expect(timerInfo()).NotTo(HaveKey("X"))
				Expect(d.engine.ReadPreference("X")).To(BeFalse())
				Expect(d.engine.ActiveTimers()).To(BeEmpty())
			})
		})

		Context("when the daemon restarts after the deadline passed", func() {
			It("should apply the change at once without a live countdown", func() {
				fs := store.NewFileStore(dataDir, nil, nil)
				prefs := store.Map{settings.KeyDelayTimeout: 60000}
				settings.SetTimerEntry(prefs, settings.KeyDelayTimeout, settings.TimerEntry{
					StartMillis:   uint64(time.Now().Add(-10 * time.Second).UnixMilli()),
					Target:        1000,
					DelayAtChange: 5000,
				})
				Expect(fs.Write(store.Preferences, prefs)).To(Succeed())

				d = startDaemon(dataDir)
				Expect(d.engine.Reactivate()).To(Succeed())

				Expect(d.engine.DelayTimeout()).To(Equal(uint64(1000)))
				Expect(d.engine.ActiveTimers()).To(BeEmpty())
				Expect(timerInfo()).NotTo(HaveKey(settings.KeyDelayTimeout))
				Eventually(func() []any {
					return d.events.payloads(domain.EventTimerExpired)
				}).Should(HaveLen(1))
			})
		})

		Context("when the daemon restarts before the deadline", func() {
			It("should resume the countdown with the remaining time", func() {
				fs := store.NewFileStore(dataDir, nil, nil)
				prefs := store.Map{settings.KeyDelayTimeout: 60000}
				settings.SetTimerEntry(prefs, settings.KeyDelayTimeout, settings.TimerEntry{
					StartMillis:   uint64(time.Now().UnixMilli()),
					Target:        1000,
					DelayAtChange: 60000,
				})
				Expect(fs.Write(store.Preferences, prefs)).To(Succeed())

				d = startDaemon(dataDir)
				Expect(d.engine.Reactivate()).To(Succeed())

				Expect(d.engine.ActiveTimers()).To(ConsistOf(settings.KeyDelayTimeout))
				status := d.engine.DelayChangeStatus()
				Expect(status.IsChanging).To(BeTrue())
				Expect(*status.TimeRemaining).To(BeNumerically(">", 50000))
				Expect(d.engine.DelayTimeout()).To(Equal(uint64(60000)))
			})
		})
	})

	Describe("protection monitor", func() {
		Context("when a blocked app is running", func() {
			It("should flag it for the overlay", func() {
				d = startDaemon(dataDir)
				Expect(d.engine.SaveBlockData(store.Map{
					settings.ListBlockedApps: []any{"notepad.exe"},
				})).To(Succeed())
				d.processes.set("explorer.exe", "notepad.exe")

				_, err := d.engine.EnableProtection()
				Expect(err).NotTo(HaveOccurred())

				Eventually(func() []any {
					return d.events.payloads(domain.EventFlagApp)
				}, 2*time.Second, 5*time.Millisecond).Should(ContainElement(domain.Flag{
					DisplayName: "notepad.exe",
					ProcessName: "notepad.exe",
					Code:        domain.FlagBlockedApp,
				}))
			})
		})

		Context("when the master switch goes off", func() {
			It("should stop the loop by itself", func() {
				d = startDaemon(dataDir)
				_, err := d.engine.EnableProtection()
				Expect(err).NotTo(HaveOccurred())
				Expect(d.engine.ProtectionRunning()).To(BeTrue())

				Expect(d.cache.Update(store.Preferences, func(m store.Map) error {
					m[settings.KeyProtection] = false
					return nil
				})).To(Succeed())

				Eventually(d.engine.ProtectionRunning, time.Second, 5*time.Millisecond).Should(BeFalse())
			})
		})
	})

	Describe("block lists", func() {
		Context("when the same website is added concurrently", func() {
			It("should keep exactly one entry", func() {
				d = startDaemon(dataDir)

				var wg sync.WaitGroup
				for i := 0; i < 2; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						Expect(d.engine.AddBlockedWebsite(context.Background(), "example.com")).To(Succeed())
					}()
				}
				wg.Wait()

				Expect(d.engine.GetBlockData()[settings.ListBlockedWebsites]).To(Equal([]any{"example.com"}))
				onDisk := readDisk(store.BlockData)
				Expect(onDisk[settings.ListBlockedWebsites]).To(Equal([]any{"example.com"}))
			})
		})

		Context("when an unblock countdown for a website expires", func() {
			It("should release the site", func() {
				d = startDaemon(dataDir)
				Expect(d.engine.SavePreference(settings.KeyDelayTimeout, 20)).To(Succeed())

				key, err := d.engine.PrimeForDeletion("website", "example.com")
				Expect(err).NotTo(HaveOccurred())
				Expect(key).To(Equal("allowedForUnblockWebsites-->example.com"))

				Eventually(func() any {
					return d.engine.GetBlockData()[settings.ListAllowedForUnblockWebsites]
				}, 2*time.Second, 5*time.Millisecond).Should(Equal([]any{"example.com"}))
			})
		})
	})
})
