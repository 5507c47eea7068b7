package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Cfg struct {
	Database     Database
	Logger       Logger
	OpenAI       OpenAI
	Browser      Browser
	Proxy        Proxy
	Verification Verification
	Session      Session
	Migrations   Migrations
}

type Database struct {
	Host              string
	Port              string
	Name              string
	User              string
	Password          string
	SSLMode           string
	ReconnectAttempts int           // Сколько раз пытаться переподключиться, прежде чем прервать запуск
	ReconnectDelay    time.Duration // Базовая пауза между попытками переподключения
}

type Migrations struct {
	Path string
}

type Logger struct {
	Env   string
	Level string
	Dir   string // Каталог файлов логов участников; пусто - только консоль
}

type OpenAI struct {
	KeyAI             string
	Model             string
	MaxTokens         int
	RequestsPerMinute int
}

type Browser struct {
	Display           string
	Headless          bool
	UserDataDir       string
	BrowsersPath      string
	Engine            string // firefox или chromium
	ExtraArgs         []string
	BaseURL           string
	FeedURLPattern    string        // Подстрока URL ответа со списком ленты
	CaptureWait       time.Duration // Предел ожидания разбора перехваченных ответов
	Timeout           time.Duration
	NavigateTimeout   time.Duration
	ChallengeTimeout  time.Duration // Ожидание исчезновения проверки (капчи)
	MaxProxyRotations int
	MaxLayoutRestarts int
}

type Proxy struct {
	Username       string
	Password       string
	InventoryURL   string
	InventoryToken string
}

type Verification struct {
	PollInterval time.Duration
	MaxPolls     int
	MaxResends   int
}

type Session struct {
	PlanPath            string
	ReuseCookies        bool
	CollectInitialItems bool // Сохранять первые посты, пришедшие вне списка ленты
	Parallelism         int
}

func Load() (*Cfg, error) {
	_ = godotenv.Load()

	cfg := &Cfg{
		Database: Database{
			Host:              os.Getenv("DB_HOST"),
			Port:              env("DB_PORT", "5432"),
			Name:              os.Getenv("DB_NAME"),
			User:              os.Getenv("DB_USER"),
			Password:          os.Getenv("DB_PASS"),
			SSLMode:           env("DB_SSLMODE", "disable"),
			ReconnectAttempts: envInt("DB_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    envDuration("DB_RECONNECT_DELAY", 2*time.Second),
		},
		Logger: Logger{
			Env:   env("ENV", "dev"),
			Level: env("LOG_LEVEL", "info"),
			Dir:   os.Getenv("LOG_DIR"),
		},
		OpenAI: OpenAI{
			KeyAI:             os.Getenv("OPENAI_API_KEY"),
			Model:             env("OPENAI_MODEL", "gpt-4o"),
			MaxTokens:         envInt("OPENAI_MAX_TOKENS", 1000),
			RequestsPerMinute: envInt("OPENAI_RPM", 20),
		},
		Browser: Browser{
			Display:           env("DISPLAY", ":0"),
			Headless:          envBool("PW_HEADLESS"),
			UserDataDir:       os.Getenv("PW_USER_DATA_DIR"),
			BrowsersPath:      env("PLAYWRIGHT_BROWSERS_PATH", ""),
			Engine:            env("PW_ENGINE", "firefox"),
			ExtraArgs:         envList("PW_EXTRA_ARGS"),
			BaseURL:           env("FEED_BASE_URL", "https://www.tiktok.com"),
			FeedURLPattern:    env("FEED_URL_PATTERN", "api/recommend/item_list"),
			CaptureWait:       envDuration("CAPTURE_WAIT", 10*time.Second),
			Timeout:           envDuration("PW_TIMEOUT", 30*time.Second),
			NavigateTimeout:   envDuration("PW_NAVIGATE_TIMEOUT", 60*time.Second),
			ChallengeTimeout:  envDuration("PW_CHALLENGE_TIMEOUT", 200*time.Second),
			MaxProxyRotations: envInt("MAX_PROXY_ROTATIONS", 5),
			MaxLayoutRestarts: envInt("MAX_LAYOUT_RESTARTS", 3),
		},
		Proxy: Proxy{
			Username:       os.Getenv("PROXY_USER"),
			Password:       os.Getenv("PROXY_PASS"),
			InventoryURL:   env("PROXY_INVENTORY_URL", "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page_size=100"),
			InventoryToken: os.Getenv("PROXY_INVENTORY_TOKEN"),
		},
		Verification: Verification{
			PollInterval: envDuration("SMS_POLL_INTERVAL", 5*time.Second),
			MaxPolls:     envInt("SMS_MAX_POLLS", 12),
			MaxResends:   envInt("SMS_MAX_RESENDS", 3),
		},
		Session: Session{
			PlanPath:            env("SESSION_PLAN", "plan.yaml"),
			ReuseCookies:        envBool("SESSION_REUSE_COOKIES"),
			CollectInitialItems: envBool("SESSION_COLLECT_INITIAL_ITEMS"),
			Parallelism:         envInt("SESSION_PARALLELISM", 4),
		},
		Migrations: Migrations{
			Path: env("MIGRATIONS_PATH", "file://migrations"),
		},
	}

	return cfg, nil
}

// DSN собирает строку подключения к PostgreSQL для gorm.
func (d Database) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Name +
		" sslmode=" + d.SSLMode
}

// URL собирает адрес БД в формате golang-migrate.
func (d Database) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

func env(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1" || v == "yes"
}

// envList читает список через запятую, пустые элементы отбрасываются.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
