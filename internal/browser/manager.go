package browser

import (
	"context"
	"sync"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Manager owns one launched Chrome and vends pages off it. Headless Chrome
// accumulates memory over long capture runs, so the manager also tracks how
// many pages it served and whether the browser process RSS crossed the
// configured limit; callers recycle when either says so.
type Manager struct {
	config      config.BrowserConfig
	logger      zerolog.Logger
	launcher    *launcher.Launcher
	browser     *rod.Browser
	pagesServed int
	mutex       sync.Mutex
	isRunning   bool
}

// NewManager creates a browser manager. Start launches the process.
func NewManager(cfg config.BrowserConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		config: cfg,
		logger: logger.With().Str("component", "BrowserManager").Logger(),
	}
}

// Start launches Chrome and connects the control session.
func (m *Manager) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isRunning {
		return nil
	}
	return m.launchLocked()
}

func (m *Manager) launchLocked() error {
	l := launcher.New().Headless(m.config.Headless)

	if m.config.ChromePath != "" {
		l = l.Bin(m.config.ChromePath)
	}
	if m.config.UserDataDir != "" {
		l = l.UserDataDir(m.config.UserDataDir)
	}

	l = l.
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-http2").
		Set("no-first-run").
		Set("disable-default-apps").
		Set("disable-sync").
		Set("window-size", windowSizeArg(m.config.WindowWidth, m.config.WindowHeight))

	controlURL, err := l.Launch()
	if err != nil {
		return common.WrapError(err, "failed to launch browser")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return common.WrapError(err, "failed to connect to browser")
	}

	m.launcher = l
	m.browser = browser
	m.pagesServed = 0
	m.isRunning = true
	m.logger.Info().Int("pid", l.PID()).Msg("Browser launched")
	return nil
}

// Stop closes the browser and cleans the launcher up.
func (m *Manager) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if !m.isRunning {
		return
	}
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close browser cleanly")
		}
	}
	if m.launcher != nil {
		m.launcher.Cleanup()
	}
	m.browser = nil
	m.launcher = nil
	m.isRunning = false
	m.logger.Info().Msg("Browser stopped")
}

// Recycle tears the current browser down and launches a fresh one. A short
// settle delay gives the old process time to release its profile directory.
func (m *Manager) Recycle() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Info().Int("pages_served", m.pagesServed).Msg("Recycling browser")
	m.stopLocked()
	time.Sleep(1 * time.Second)
	return m.launchLocked()
}

// NewPage opens a page bound to ctx with the configured viewport, user
// agent, and extra headers applied. The caller must Close it.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	m.mutex.Lock()
	if !m.isRunning {
		m.mutex.Unlock()
		return nil, common.NewError("browser manager is not running")
	}
	browser := m.browser
	m.pagesServed++
	m.mutex.Unlock()

	rodPage, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, common.WrapError(err, "failed to create page")
	}

	page := &Page{
		page:   rodPage,
		config: m.config,
		logger: m.logger,
	}

	if err := page.SetViewport(m.config.WindowWidth, m.config.WindowHeight); err != nil {
		page.Close()
		return nil, err
	}
	if err := page.applyIdentity(); err != nil {
		page.Close()
		return nil, err
	}
	return page, nil
}

// PagesServed reports how many pages were opened since the last launch.
func (m *Manager) PagesServed() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.pagesServed
}

// MemoryExceeded reports whether the browser process RSS crossed the
// configured share of total memory. Errors read as "not exceeded": a failed
// stat must never force a recycle loop.
func (m *Manager) MemoryExceeded() bool {
	m.mutex.Lock()
	pid := 0
	if m.launcher != nil {
		pid = m.launcher.PID()
	}
	m.mutex.Unlock()

	if pid == 0 || m.config.MemoryLimitPercent <= 0 {
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	percent, err := proc.MemoryPercent()
	if err != nil {
		return false
	}
	if float64(percent) > m.config.MemoryLimitPercent {
		m.logger.Warn().
			Float32("memory_percent", percent).
			Float64("limit_percent", m.config.MemoryLimitPercent).
			Msg("Browser memory limit exceeded")
		return true
	}
	return false
}
