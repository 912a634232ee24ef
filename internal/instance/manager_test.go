package instance_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/config"
	"github.com/lunara/lunara/internal/fetcher"
	"github.com/lunara/lunara/internal/instance"
	"github.com/lunara/lunara/internal/logging"
	"github.com/lunara/lunara/internal/logs"
	"github.com/lunara/lunara/internal/marketplace"
	"github.com/lunara/lunara/internal/process"
	"github.com/lunara/lunara/internal/resolver"
	"github.com/lunara/lunara/internal/storage"
)

var _ = Describe("Manager", func() {
	var (
		ctx      context.Context
		stub     *upstreamStub
		store    storage.Store
		registry *instance.Registry
		manager  *instance.Manager

		realRuntime instance.Runtime
		newManager  func(rt instance.Runtime) *instance.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		stub = newUpstreamStub()
		DeferCleanup(stub.Close)

		root := GinkgoT().TempDir()
		var err error
		store, err = storage.NewStore(filepath.Join(root, "servers"))
		Expect(err).NotTo(HaveOccurred())
		registry, err = instance.OpenRegistry(filepath.Join(root, "cache", "servers.toml"))
		Expect(err).NotTo(HaveOccurred())

		upstreamCfg := config.UpstreamConfig{
			ManifestURL: stub.URL + "/mc/manifest.json",
			PaperAPI:    stub.URL + "/paper",
			HangarAPI:   stub.URL + "/hangar",
		}
		logger := logging.Discard()
		client := stub.Client()

		newManager = func(rt instance.Runtime) *instance.Manager {
			m, err := instance.NewManager(instance.ManagerConfig{
				Registry:       registry,
				Store:          store,
				Resolver:       resolver.New(client, upstreamCfg, logger),
				Fetcher:        fetcher.New(client, store, logger),
				Plugins:        marketplace.New(client, upstreamCfg, logger),
				Runtime:        rt,
				Logs:           logs.NewReader(store, "", logger),
				Logger:         logger,
				MaxRetries:     1,
				InitialBackoff: time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			return m
		}
		realRuntime = process.New(config.GlobalConfig{JavaPath: "lunara-missing-java"}, store, logger)
		manager = newManager(realRuntime)
	})

	instanceDir := func(name string) string {
		return filepath.Join(store.BasePath(), name)
	}

	createPaper := func(name string) instance.Instance {
		inst, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: name})
		Expect(err).NotTo(HaveOccurred())
		return inst
	}

	Describe("CreateInstance", func() {
		It("downloads the last paper build and persists the record", func() {
			inst := createPaper("alpha")

			Expect(inst.Artifact).To(Equal("paper-1.20.4-497.jar"))
			Expect(filepath.Join(instanceDir("alpha"), inst.Artifact)).To(BeAnExistingFile())

			found, err := manager.FindByName("alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.Brand).To(Equal(instance.BrandPaper))
			Expect(found.Build.Version).To(Equal("1.20.4"))
			Expect(found.Plugins).To(BeEmpty())

			reopened, err := instance.OpenRegistry(registry.Path())
			Expect(err).NotTo(HaveOccurred())
			Expect(reopened.List()).To(HaveLen(1))
		})

		It("names an unnamed instance after the artifact file", func() {
			inst, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4"})
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Name).To(Equal("paper-1.20.4-497.jar"))

			_, err = manager.FindByName("paper-1.20.4-497.jar")
			Expect(err).NotTo(HaveOccurred())
		})

		It("resolves vanilla latest through the manifest", func() {
			inst, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandVanilla, Version: "latest", Name: "vanilla"})
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Artifact).To(Equal("server.jar"))
			Expect(filepath.Join(instanceDir("vanilla"), "server.jar")).To(BeAnExistingFile())
		})

		It("records default quick options when none are given", func() {
			createPaper("alpha")

			found, err := manager.FindByName("alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.Options).To(Equal(instance.DefaultQuickOptions()))
		})

		It("persists requested quick options", func() {
			opts := instance.QuickOptions{Whitelist: true, CommandBlocks: true, MaxPlayers: 30}
			_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: "alpha", Options: &opts})
			Expect(err).NotTo(HaveOccurred())

			reopened, err := instance.OpenRegistry(registry.Path())
			Expect(err).NotTo(HaveOccurred())
			found, err := reopened.Find("alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.Options).To(Equal(opts))
		})

		It("rejects invalid quick options before any network call", func() {
			opts := instance.QuickOptions{MaxPlayers: 0}
			_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: "alpha", Options: &opts})
			Expect(errors.Is(err, apperr.ErrInvalidInput)).To(BeTrue())
			Expect(stub.requests.Load()).To(BeZero())
		})

		It("fails with VersionNotFound and leaves nothing behind", func() {
			_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "0.0.1", Name: "ghost"})
			Expect(errors.Is(err, apperr.ErrVersionNotFound)).To(BeTrue())
			Expect(manager.List()).To(BeEmpty())
			Expect(instanceDir("ghost")).NotTo(BeADirectory())
		})

		It("writes no registry record when the download fails", func() {
			stub.failArtifacts.Store(true)

			_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: "broken"})
			Expect(errors.Is(err, apperr.ErrTransfer)).To(BeTrue())
			Expect(stub.artifactHits.Load()).To(BeEquivalentTo(2))

			_, err = manager.FindByName("broken")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
			Expect(instanceDir("broken")).NotTo(BeADirectory())
		})

		It("rejects a duplicate name before any network call", func() {
			createPaper("alpha")
			before := stub.requests.Load()

			_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandVanilla, Version: "1.20.4", Name: "alpha"})
			Expect(errors.Is(err, apperr.ErrDuplicateName)).To(BeTrue())
			Expect(stub.requests.Load()).To(Equal(before))

			found, _ := manager.FindByName("alpha")
			Expect(found.Brand).To(Equal(instance.BrandPaper))
		})

		It("rejects names that are not filesystem safe", func() {
			for _, name := range []string{"..", "a/b", `a\b`} {
				_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: name})
				Expect(errors.Is(err, apperr.ErrInvalidInput)).To(BeTrue(), name)
			}
			Expect(stub.requests.Load()).To(BeZero())
		})

		It("aborts before the registry write when the context is cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := manager.CreateInstance(cancelled, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: "late"})
			Expect(err).To(HaveOccurred())
			Expect(manager.List()).To(BeEmpty())
		})

		It("serializes concurrent creates of the same name", func() {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				errs []error
			)
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandPaper, Version: "1.20.4", Name: "race"})
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}()
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				Expect(errors.Is(err, apperr.ErrDuplicateName)).To(BeTrue())
			}
			Expect(succeeded).To(Equal(1))
			Expect(manager.List()).To(HaveLen(1))
		})
	})

	Describe("plugins", func() {
		It("refuses plugins on vanilla servers", func() {
			_, err := manager.CreateInstance(ctx, instance.CreateRequest{Brand: instance.BrandVanilla, Version: "1.20.4", Name: "plain"})
			Expect(err).NotTo(HaveOccurred())

			_, err = manager.AddPlugin(ctx, "plain", "Essentials", "2.20.1")
			Expect(errors.Is(err, apperr.ErrUnsupportedOperation)).To(BeTrue())

			found, _ := manager.FindByName("plain")
			Expect(found.Plugins).To(BeEmpty())
		})

		It("installs and removes a plugin", func() {
			createPaper("alpha")

			plugin, err := manager.AddPlugin(ctx, "alpha", "Essentials", "2.20.1")
			Expect(err).NotTo(HaveOccurred())
			Expect(plugin.File).To(Equal("Essentials-2.20.1.jar"))

			pluginFile := filepath.Join(instanceDir("alpha"), "plugins", "Essentials-2.20.1.jar")
			Expect(pluginFile).To(BeAnExistingFile())
			data, _ := os.ReadFile(pluginFile)
			Expect(string(data)).To(Equal("plugin Essentials 2.20.1"))

			found, _ := manager.FindByName("alpha")
			Expect(found.Plugins).To(ConsistOf(plugin))

			Expect(manager.DeletePlugin(ctx, "alpha", "Essentials", "2.20.1")).To(Succeed())
			found, _ = manager.FindByName("alpha")
			Expect(found.Plugins).To(BeEmpty())
			Expect(pluginFile).NotTo(BeAnExistingFile())
		})

		It("rejects installing the same plugin version twice", func() {
			createPaper("alpha")
			_, err := manager.AddPlugin(ctx, "alpha", "Chunky", "1.3.92")
			Expect(err).NotTo(HaveOccurred())

			_, err = manager.AddPlugin(ctx, "alpha", "Chunky", "1.3.92")
			Expect(errors.Is(err, apperr.ErrDuplicateName)).To(BeTrue())

			_, err = manager.AddPlugin(ctx, "alpha", "Chunky", "1.3.93")
			Expect(err).NotTo(HaveOccurred())
			found, _ := manager.FindByName("alpha")
			Expect(found.Plugins).To(HaveLen(2))
		})

		It("does not retry a plugin the marketplace does not have", func() {
			createPaper("alpha")
			stub.missingPlugins.Store(true)

			_, err := manager.AddPlugin(ctx, "alpha", "Ghost", "0.0.1")
			Expect(errors.Is(err, apperr.ErrTransfer)).To(BeTrue())
			Expect(apperr.Retryable(err)).To(BeFalse())
			Expect(stub.pluginHits.Load()).To(BeEquivalentTo(1))

			found, _ := manager.FindByName("alpha")
			Expect(found.Plugins).To(BeEmpty())
			Expect(filepath.Join(instanceDir("alpha"), "plugins", "Ghost-0.0.1.jar")).NotTo(BeAnExistingFile())
		})

		It("reports missing instances and plugins", func() {
			_, err := manager.AddPlugin(ctx, "nobody", "Chunky", "1.0")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())

			createPaper("alpha")
			err = manager.DeletePlugin(ctx, "alpha", "Chunky", "1.0")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
		})

		It("tolerates a plugin file that is already gone", func() {
			createPaper("alpha")
			_, err := manager.AddPlugin(ctx, "alpha", "Chunky", "1.0")
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Remove(filepath.Join(instanceDir("alpha"), "plugins", "Chunky-1.0.jar"))).To(Succeed())

			Expect(manager.DeletePlugin(ctx, "alpha", "Chunky", "1.0")).To(Succeed())
		})
	})

	Describe("DeleteInstance", func() {
		It("removes the directory and the record", func() {
			createPaper("alpha")

			Expect(manager.DeleteInstance(ctx, "alpha")).To(Succeed())
			_, err := manager.FindByName("alpha")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
			Expect(instanceDir("alpha")).NotTo(BeADirectory())
		})

		It("keeps the instance when the directory cannot be removed", func() {
			teardownErr := errors.New("device busy")
			manager = newManager(&scriptedRuntime{Runtime: realRuntime, teardownErr: teardownErr})
			createPaper("alpha")

			err := manager.DeleteInstance(ctx, "alpha")
			Expect(err).To(MatchError(teardownErr))

			found, err := manager.FindByName("alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.Name).To(Equal("alpha"))
			Expect(instanceDir("alpha")).To(BeADirectory())

			reopened, err := instance.OpenRegistry(registry.Path())
			Expect(err).NotTo(HaveOccurred())
			Expect(reopened.List()).To(HaveLen(1))
		})

		It("reports unknown instances", func() {
			err := manager.DeleteInstance(ctx, "nobody")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Start", func() {
		It("waits for a concurrent delete of the same instance", func() {
			rt := &scriptedRuntime{
				Runtime:       realRuntime,
				teardownEnter: make(chan struct{}),
				teardownGate:  make(chan struct{}),
			}
			manager = newManager(rt)
			createPaper("alpha")

			deleted := make(chan error, 1)
			go func() { deleted <- manager.DeleteInstance(ctx, "alpha") }()
			Eventually(rt.teardownEnter).Should(BeClosed())

			started := make(chan error, 1)
			go func() { started <- manager.Start(ctx, "alpha") }()
			Consistently(started, 50*time.Millisecond).ShouldNot(Receive())

			close(rt.teardownGate)
			Eventually(deleted).Should(Receive(BeNil()))

			var startErr error
			Eventually(started).Should(Receive(&startErr))
			Expect(errors.Is(startErr, apperr.ErrNotFound)).To(BeTrue())
			Expect(rt.starts.Load()).To(BeZero())
			Expect(instanceDir("alpha")).NotTo(BeADirectory())
		})

		It("returns launch failures without touching the registry", func() {
			createPaper("alpha")

			Expect(manager.Start(ctx, "alpha")).NotTo(Succeed())
			Expect(manager.List()).To(HaveLen(1))
		})
	})

	Describe("logs", func() {
		It("reports a missing log file", func() {
			createPaper("alpha")
			err := manager.RefreshLog(ctx, "alpha")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
		})

		It("chunks the refreshed snapshot", func() {
			createPaper("alpha")
			content := "[INFO] Starting\n[INFO] Done\n"
			logPath := filepath.Join(instanceDir("alpha"), "logs", "latest.log")
			Expect(os.MkdirAll(filepath.Dir(logPath), 0o755)).To(Succeed())
			Expect(os.WriteFile(logPath, []byte(content), 0o644)).To(Succeed())

			Expect(manager.RefreshLog(ctx, "alpha")).To(Succeed())
			seq, err := manager.LogChunks("alpha", 5)
			Expect(err).NotTo(HaveOccurred())

			var buf bytes.Buffer
			for chunk := range seq {
				Expect(len(chunk)).To(BeNumerically("<=", 5))
				buf.Write(chunk)
			}
			Expect(buf.String()).To(Equal(content))
		})

		It("reports unknown instances", func() {
			_, err := manager.LogChunks("nobody", 5)
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
		})
	})
})
