//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/daemon"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/infra"
	"github.com/eliteGoblin/focusd/dcactivity/internal/policy"
	"github.com/eliteGoblin/focusd/dcactivity/internal/server"
	"github.com/eliteGoblin/focusd/dcactivity/internal/telemetry"
	"github.com/eliteGoblin/focusd/dcactivity/test/fixtures"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var _ = Describe("Telemetry service", func() {
	var (
		tmpDir  string
		device  *fixtures.FakeDevice
		fake    *clock.FakeClock
		status  *infra.FileStatusStore
		history *infra.EncryptedHistory
		srv     *server.Server
		svc     *daemon.Service
	)

	// build wires the service the way serve does, over the fake device.
	build := func() {
		catalog, err := device.Catalog()
		Expect(err).NotTo(HaveOccurred())

		history, err = infra.OpenHistory(infra.HistoryFiles{
			DB:  filepath.Join(device.DataDir(), "titles.db"),
			Key: filepath.Join(device.DataDir(), ".titles.key"),
		}, true)
		Expect(err).NotTo(HaveOccurred())

		status = infra.NewFileStatusStore(filepath.Join(device.DataDir(), "status.txt"))
		Expect(status.Lock()).To(Succeed())

		table := infra.NewProcessTable(catalog)
		power := infra.NewPowerSupply(device.PowerDir())
		mode := infra.HostMode{}
		fake = clock.Fake(epoch)

		snapshot := telemetry.New(fake, epoch, telemetry.Queries{
			Foreground: infra.NewForegroundLocator(device.ForegroundPath()),
			Resolver:   table,
			Lister:     table,
			Power:      power,
			Mode:       mode,
		}, policy.NewRegistry())

		logger := zap.NewNop()
		srv = server.New("127.0.0.1:0", logger)
		svc = daemon.NewService(daemon.DefaultConfig(), daemon.Deps{
			Clock:    fake,
			Epoch:    epoch,
			Snapshot: snapshot,
			Opener:   table,
			Status:   status,
			History:  history,
			Flag:     infra.NewFlagFile(device.FlagPath()),
			Probes: daemon.Probes{
				Firmware: infra.HostFirmware{},
				Power:    power,
				Mode:     mode,
				Query:    table,
			},
			HTTP: srv,
		}, infra.NewSessionID(), logger)
		srv.Mount(server.NewHandler(server.Sources{
			State:  snapshot,
			Debug:  svc,
			Titles: history,
		}, logger).Routes())
	}

	tick := func(n int) {
		for i := 0; i < n; i++ {
			svc.Tick(context.Background())
			fake.Advance(2 * time.Second)
		}
	}

	get := func(path string) map[string]any {
		resp, err := http.Get("http://" + srv.Addr().String() + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		var doc map[string]any
		Expect(json.Unmarshal(body, &doc)).To(Succeed())
		return doc
	}

	BeforeEach(func() {
		srv, history, status = nil, nil, nil

		var err error
		tmpDir, err = os.MkdirTemp("", "dcactivity-integration-*")
		Expect(err).NotTo(HaveOccurred())

		device = fixtures.NewFakeDevice(tmpDir)
		Expect(device.Create(64)).To(Succeed())
	})

	AfterEach(func() {
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(ctx)
			cancel()
		}
		if history != nil {
			history.Close()
		}
		if status != nil {
			_ = status.Unlock()
		}
		os.RemoveAll(tmpDir)
	})

	Describe("GET /state", func() {
		Context("when nothing is in the foreground", func() {
			It("should report HOME with power readings", func() {
				build()
				tick(1)

				doc := get("/state")
				Expect(doc["service"]).To(Equal(domain.ServiceName))
				Expect(doc["active_game"]).To(Equal(domain.HomeLabel))
				Expect(doc["active_program_id"]).To(Equal("0x0000000000000000"))
				Expect(doc["battery_percent"]).To(BeNumerically("==", 64))
				Expect(doc["is_charging"]).To(BeFalse())
				Expect(doc["is_docked"]).To(BeFalse())
				Expect(doc["detection_mode"]).To(BeTrue())
				Expect(doc["firmware"]).NotTo(Equal(domain.UnknownFirmware))
			})
		})

		Context("when an application is in the foreground", func() {
			It("should report it after two observations", func() {
				Expect(device.SetForeground(os.Getpid())).To(Succeed())
				build()

				tick(1)
				Expect(get("/state")["active_game"]).To(Equal(domain.HomeLabel))

				tick(2)
				doc := get("/state")
				Expect(doc["active_program_id"]).To(Equal(domain.FormatProgramID(fixtures.TestProgramID)))
				Expect(doc["active_game"]).To(Equal(domain.FormatProgramID(fixtures.TestProgramID)))
				Expect(doc["detection_source"]).To(BeNumerically("==", domain.SourceShellQuery))
			})

			It("should return to HOME as soon as the foreground clears", func() {
				Expect(device.SetForeground(os.Getpid())).To(Succeed())
				build()
				tick(3)
				Expect(get("/state")["active_game"]).NotTo(Equal(domain.HomeLabel))

				Expect(device.ClearForeground()).To(Succeed())
				tick(2)
				Expect(get("/state")["active_game"]).To(Equal(domain.HomeLabel))
			})
		})

		Context("when a mains charger is plugged in", func() {
			It("should report charging and docked", func() {
				Expect(device.SetCharger(true)).To(Succeed())
				Expect(device.SetBattery(90)).To(Succeed())
				build()
				tick(1)

				doc := get("/state")
				Expect(doc["battery_percent"]).To(BeNumerically("==", 90))
				Expect(doc["is_charging"]).To(BeTrue())
				Expect(doc["is_docked"]).To(BeTrue())
				Expect(doc["dock_detection_source"]).To(BeNumerically("==", domain.DockSourceChargerHeuristic))
			})
		})
	})

	Describe("kill switch", func() {
		It("should stop identity queries while the disable flag exists", func() {
			Expect(device.SetForeground(os.Getpid())).To(Succeed())
			Expect(device.SetDisableFlag(true)).To(Succeed())
			build()
			tick(3)

			Expect(get("/state")["active_game"]).To(Equal(domain.HomeLabel))
			Expect(get("/state")["detection_attempt_count"]).To(BeNumerically("==", 0))
			sup := get("/debug")["supervisor"].(map[string]any)
			Expect(sup["kill_switch"]).To(BeTrue())

			Expect(device.SetDisableFlag(false)).To(Succeed())
			tick(6)
			Expect(get("/state")["active_game"]).To(Equal(domain.FormatProgramID(fixtures.TestProgramID)))
		})
	})

	Describe("title history", func() {
		It("should list the confirmed application", func() {
			Expect(device.SetForeground(os.Getpid())).To(Succeed())
			build()
			tick(3)

			resp, err := http.Get("http://" + srv.Addr().String() + "/titles")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			var titles []map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&titles)).To(Succeed())
			Expect(titles).To(HaveLen(1))
			Expect(titles[0]["program_id"]).To(Equal(domain.FormatProgramID(fixtures.TestProgramID)))
			Expect(titles[0]["times_seen"]).To(BeNumerically("==", 1))
		})
	})

	Describe("status file", func() {
		It("should flag an unclean previous shutdown", func() {
			prev := infra.NewFileStatusStore(filepath.Join(device.DataDir(), "status.txt"))
			Expect(prev.Write(domain.StatusRecord{State: domain.StateRunning, SessionID: "crashed"})).To(Succeed())

			build()
			tick(1)

			Expect(get("/debug")["unclean_prev"]).To(BeTrue())

			rec, err := status.Read()
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.State).To(Equal(domain.StateRunning))
			Expect(rec.SessionID).NotTo(Equal("crashed"))
		})

		It("should write STOPPED when the service exits", func() {
			build()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(svc.Run(ctx)).To(Succeed())

			rec, err := status.Read()
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.State).To(Equal(domain.StateStopped))
			Expect(rec.Stage).To(Equal("exit"))
		})

		It("should keep a second daemon from starting", func() {
			build()
			other := infra.NewFileStatusStore(status.Path())
			Expect(other.Lock()).To(MatchError(infra.ErrAlreadyRunning))
		})
	})
})
