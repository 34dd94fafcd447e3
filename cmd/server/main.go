package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/sharedobjects/internal/api"
	"github.com/annel0/sharedobjects/internal/app"
	"github.com/annel0/sharedobjects/internal/config"
	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/metrics"
	"github.com/annel0/sharedobjects/internal/observability"
	"github.com/annel0/sharedobjects/internal/sharedobj"
	"github.com/annel0/sharedobjects/internal/state"
	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/vec"
	"go.uber.org/multierr"
)

func main() {
	var (
		configPath = flag.String("config", "", "Путь к YAML конфигурации (или SHAREDOBJ_CONFIG)")
		objectID   = flag.String("object", "prop", "Идентификатор демонстрационного объекта")
		radius     = flag.Float64("radius", 100, "Радиус интереса объекта")
		rotateMs   = flag.Int("rotate-ms", 40, "Период вращения объекта, мс")
		lifetime   = flag.Duration("lifetime", 10*time.Second, "Время жизни объекта до Destroy")
		walker     = flag.Bool("walker", true, "Симулировать пира, проходящего через радиус (только для positions.kind=memory)")
	)
	flag.Parse()

	// Инициализируем систему логирования
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if err := app.ConfigureLogging(cfg); err != nil {
		logging.Warn("⚠️ %v, используется INFO", err)
	}

	logging.Info("🧊 Запуск сервера общих объектов...")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === ИНИЦИАЛИЗАЦИЯ КОМПОНЕНТОВ ===
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry.GetServiceName(), cfg.Telemetry.Enabled)
	if err != nil {
		logging.Error("❌ Ошибка инициализации OpenTelemetry: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	codec, err := app.NewCodec(cfg)
	if err != nil {
		log.Fatalf("❌ Ошибка создания кодека: %v", err)
	}
	defer codec.Close()

	tr, err := app.NewTransport(cfg, codec)
	if err != nil {
		log.Fatalf("❌ Ошибка создания транспорта: %v", err)
	}

	positions, err := app.NewPositionRepo(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Ошибка подключения хранилища позиций: %v", err)
	}

	var collector *metrics.Collector
	var exporter *metrics.TransportExporter
	if cfg.Server.MetricsEnabled {
		collector = metrics.NewCollector(nil)
		exporter = metrics.NewTransportExporter(tr, nil, nil)
		exporter.Start(time.Second)
	}

	// Все объекты читают один снимок позиций за тик
	source := storage.NewCachedSource(positions, cfg.Positions.GetSnapshotCacheTTL(), nil)
	registry, err := sharedobj.NewRegistry(tr, source,
		sharedobj.WithTickInterval(cfg.Sync.GetTickInterval()),
		sharedobj.WithMetrics(collector),
		sharedobj.WithErrorHandler(func(ns, id string, err error) {
			logging.Error("❌ Объект %s/%s перестал синхронизироваться: %v", ns, id, err)
		}),
	)
	if err != nil {
		log.Fatalf("❌ Ошибка создания реестра: %v", err)
	}

	server := api.NewServer(api.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Server.GetAPIPort()),
		Registry:  registry,
		Transport: tr,
	})
	server.Start()

	// === ДЕМОНСТРАЦИЯ ===
	namespace := cfg.Sync.GetNamespace()
	owner, err := registry.Owner(namespace)
	if err != nil {
		log.Fatalf("❌ Ошибка создания пространства имен: %v", err)
	}

	if mem, ok := positions.(*storage.MemoryPositionRepo); ok && *walker {
		if err := watchAsWalker(ctx, registry, namespace); err != nil {
			logging.Warn("⚠️ Наблюдатель walker не запущен: %v", err)
		}
		go walk(ctx, mem, *radius)
	}

	go runProp(ctx, owner, *objectID, *radius, time.Duration(*rotateMs)*time.Millisecond, *lifetime)

	logging.Info("✅ Сервер готов: namespace=%q, tick=%v", namespace, cfg.Sync.GetTickInterval())
	logging.Info("   ❤️  Health check: http://localhost:%d/health", cfg.Server.GetAPIPort())
	logging.Info("   🔍 Объекты: http://localhost:%d/api/namespaces/%s/objects", cfg.Server.GetAPIPort(), namespace)

	<-ctx.Done()
	logging.Info("📡 Получен сигнал завершения, остановка...")

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, registry.Close(shutdownCtx))
	errs = multierr.Append(errs, server.Shutdown(shutdownCtx))
	if exporter != nil {
		exporter.Stop()
	}
	errs = multierr.Append(errs, tr.Close())
	errs = multierr.Append(errs, positions.Close())
	errs = multierr.Append(errs, shutdownTelemetry(shutdownCtx))
	if errs != nil {
		logging.Error("❌ Ошибки при остановке: %v", errs)
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

// runProp создает вращающийся объект и уничтожает его по истечении lifetime
func runProp(ctx context.Context, owner *sharedobj.OwnerNamespace, id string, radius float64, every, lifetime time.Duration) {
	initial := map[string]interface{}{
		"kind":     "crate",
		"rotation": map[string]interface{}{"x": 0, "y": 0, "z": 0},
	}
	obj, err := owner.CreateObject(ctx, id, vec.New(0, 0, 0), radius, initial)
	if err != nil {
		logging.Error("❌ Не удалось создать объект %s: %v", id, err)
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	deadline := time.NewTimer(lifetime)
	defer deadline.Stop()

	angle := 0.0
	for {
		select {
		case <-ticker.C:
			angle = math.Mod(angle+0.05, 2*math.Pi)
			err := obj.Mutate(ctx, func(doc *state.Document) error {
				return doc.Set("rotation.y", angle)
			})
			if err != nil {
				logging.Warn("⚠️ Вращение %s остановлено: %v", id, err)
				return
			}
		case <-deadline.C:
			if err := obj.Destroy(ctx); err != nil {
				logging.Error("❌ Ошибка уничтожения %s: %v", id, err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// watchAsWalker подписывает симулированного пира на пространство имен
// и логирует то, что он видит
func watchAsWalker(ctx context.Context, registry *sharedobj.Registry, namespace string) error {
	observer, err := registry.Observer(namespace, walkerID)
	if err != nil {
		return err
	}
	return observer.Listen(ctx, func(_ context.Context, id string, m *sharedobj.Mirror) (sharedobj.Teardown, error) {
		logging.Info("🚶 walker увидел %s: %s", id, state.JSON(m.Snapshot()))
		cancel := m.Watch(func(m *sharedobj.Mirror) {
			if v, err := m.Get("rotation.y"); err == nil {
				logging.Debug("🚶 %s rotation.y=%.2f", id, v.GetNumberValue())
			}
		})
		return func(context.Context) {
			cancel()
			logging.Info("🚶 walker потерял %s", id)
		}, nil
	})
}

const walkerID = "walker"

// walk двигает симулированного пира по оси X туда и обратно через радиус объекта
func walk(ctx context.Context, repo *storage.MemoryPositionRepo, radius float64) {
	const peerID = walkerID
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	defer repo.Delete(context.Background(), peerID)

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			// полный проход за 8 секунд, амплитуда — два радиуса
			phase := time.Since(start).Seconds() / 8 * 2 * math.Pi
			pos := vec.New(2*radius*math.Sin(phase), 0, 0)
			if err := repo.Save(ctx, peerID, pos); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
