package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/middleware"
	"github.com/annel0/sharedobjects/internal/sharedobj"
	"github.com/annel0/sharedobjects/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Server — HTTP API для просмотра объектов владельца (только чтение)
type Server struct {
	router    *gin.Engine
	http      *http.Server
	registry  *sharedobj.Registry
	transport transport.Transport
	metrics   *ServerMetrics
	log       *logging.Logger
}

// Config содержит конфигурацию для HTTP сервера
type Config struct {
	Addr      string               // адрес для запуска сервера (":8088")
	Registry  *sharedobj.Registry  // реестр пространств имен
	Transport transport.Transport  // для статистики доставки, может быть nil
	Metrics   *prometheus.Registry // регистр для /metrics; nil — глобальный
	Service   string               // префикс HTTP-метрик
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ObjectView — представление объекта в ответах API
type ObjectView struct {
	ID           string      `json:"id"`
	Namespace    string      `json:"namespace"`
	Location     [3]float64  `json:"location"`
	Radius       float64     `json:"radius"`
	TrackedPeers []string    `json:"tracked_peers"`
	State        interface{} `json:"state,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// NewServer создает HTTP сервер
func NewServer(config Config) *Server {
	if config.Addr == "" {
		config.Addr = ":8088"
	}
	if config.Service == "" {
		config.Service = "inspect_api"
	}

	// Устанавливаем режим релиза для gin
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware(config.Service))
	router.Use(middleware.NewRequestLogger(logging.GetServerLogger()).Handler())

	promMw := middleware.NewPrometheusMiddleware(config.Service, config.Metrics)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	s := &Server{
		router:    router,
		registry:  config.Registry,
		transport: config.Transport,
		metrics:   NewServerMetrics(),
		log:       logging.GetServerLogger(),
	}
	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.setupRoutes()
	return s
}

// setupRoutes настраивает маршруты
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.GET("/server", s.handleServerInfo)
	api.GET("/namespaces", s.handleNamespaces)
	api.GET("/namespaces/:ns/objects", s.handleObjects)
	api.GET("/namespaces/:ns/objects/:id", s.handleObject)
}

// Handler возвращает http.Handler (для тестов и встраивания)
func (s *Server) Handler() http.Handler { return s.router }

// Start запускает сервер в отдельной горутине
func (s *Server) Start() {
	go func() {
		s.log.Info("🌐 HTTP API доступен по адресу %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Ошибка HTTP сервера: %v", err)
		}
	}()
}

// Shutdown корректно останавливает сервер
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": s.metrics.GetUptime(),
	})
}

func (s *Server) handleServerInfo(c *gin.Context) {
	data := gin.H{
		"uptime": s.metrics.GetUptime(),
		"memory": s.metrics.GetDetailedMemoryStats(),
	}
	if cpu, err := s.metrics.GetCPUUsage(); err == nil {
		data["cpu_percent"] = cpu
	}
	if rss, err := s.metrics.GetRSS(); err == nil {
		data["rss_mb"] = rss
	}
	if s.transport != nil {
		data["transport"] = s.transport.Metrics()
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: data})
}

func (s *Server) handleNamespaces(c *gin.Context) {
	type nsView struct {
		Name    string `json:"name"`
		Objects int    `json:"objects"`
	}
	views := []nsView{}
	for _, name := range s.registry.OwnerNamespaces() {
		if ns, ok := s.registry.LookupOwner(name); ok {
			views = append(views, nsView{Name: name, Objects: len(ns.Objects())})
		}
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: views})
}

func (s *Server) handleObjects(c *gin.Context) {
	ns, ok := s.registry.LookupOwner(c.Param("ns"))
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Пространство имен не найдено"})
		return
	}
	views := make([]ObjectView, 0)
	for _, obj := range ns.Objects() {
		views = append(views, objectView(obj, false))
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: views})
}

func (s *Server) handleObject(c *gin.Context) {
	ns, ok := s.registry.LookupOwner(c.Param("ns"))
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Пространство имен не найдено"})
		return
	}
	obj, ok := ns.GetObject(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{Message: sharedobj.ErrObjectNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: objectView(obj, true)})
}

func objectView(obj *sharedobj.Object, withState bool) ObjectView {
	loc := obj.Location()
	v := ObjectView{
		ID:           obj.ID(),
		Namespace:    obj.Namespace(),
		Location:     [3]float64{loc.X, loc.Y, loc.Z},
		Radius:       obj.Radius(),
		TrackedPeers: obj.TrackedPeers(),
	}
	if withState {
		v.State = obj.Snapshot().AsInterface()
	}
	if err := obj.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}
