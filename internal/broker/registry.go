package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/resilience"
)

// Settings is the per-instance configuration surface for one adapter:
// which driver, which credentials, which environment, and the
// resilience/rate-limit tuning.
type Settings struct {
	Driver      string // bybit | kraken | alpaca | legacy | sim
	Environment string // production | sandbox

	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
	Addr      string // legacy venue host:port
	Account   string // legacy venue account
	Token     string // legacy venue token

	Currency string // settlement currency for balances

	// Margin enables the venue's optional margin surface on drivers where
	// it is off by default (kraken spot).
	Margin bool

	MaxConcurrent int
	MinInterval   time.Duration
	Resilience    resilience.Config
}

// driverDefaults carries each provider family's capability set and
// endpoints. Adding a provider means adding a row here plus its client.
var driverDefaults = map[string]struct {
	caps       Capabilities
	production string
	sandbox    string
	wsProd     string
	wsSandbox  string
}{
	"bybit": {
		caps:       Capabilities{Margin: true, AdjustableLeverage: true, MaxLeverage: 100, PriceConvention: "last"},
		production: "https://api.bybit.com",
		sandbox:    "https://api-testnet.bybit.com",
		wsProd:     "wss://stream.bybit.com/v5/private",
		wsSandbox:  "wss://stream-testnet.bybit.com/v5/private",
	},
	"kraken": {
		// Cash by default; Settings.Margin switches to the 5x margin caps.
		caps:       Capabilities{Margin: false, MaxLeverage: 1, PriceConvention: "last"},
		production: "https://api.kraken.com",
		sandbox:    "https://api.kraken.com", // no public sandbox
	},
	"alpaca": {
		caps:       Capabilities{Margin: true, AdjustableLeverage: false, MaxLeverage: 2, PriceConvention: "mid"},
		production: "https://api.alpaca.markets",
		sandbox:    "https://paper-api.alpaca.markets",
	},
	"legacy": {
		caps: Capabilities{Margin: false, MaxLeverage: 1, PriceConvention: "last"},
	},
	"sim": {
		caps: Capabilities{Margin: false, MaxLeverage: 1, PriceConvention: "last"},
	},
}

// New constructs a fully wired adapter for the named instance from its
// settings. Unknown drivers fail here, at configuration time.
func New(name string, s Settings, log *slog.Logger) (Broker, error) {
	def, ok := driverDefaults[s.Driver]
	if !ok {
		return nil, fmt.Errorf("broker: unknown driver %q for %q", s.Driver, name)
	}

	caps := def.caps
	if s.Driver == "kraken" && s.Margin {
		caps = Capabilities{Margin: true, AdjustableLeverage: true, MaxLeverage: 5, PriceConvention: "last"}
	}

	baseURL := s.BaseURL
	wsURL := s.WSURL
	if baseURL == "" {
		baseURL = def.production
		if s.Environment == "sandbox" {
			baseURL = def.sandbox
		}
	}
	if wsURL == "" {
		wsURL = def.wsProd
		if s.Environment == "sandbox" {
			wsURL = def.wsSandbox
		}
	}

	var client ProviderClient
	switch s.Driver {
	case "bybit":
		client = NewBybitClient(BybitConfig{
			APIKey:    s.APIKey,
			APISecret: s.APISecret,
			BaseURL:   baseURL,
			WSURL:     wsURL,
		}, log)
	case "kraken":
		client = NewKrakenClient(KrakenConfig{
			APIKey:    s.APIKey,
			APISecret: s.APISecret,
			BaseURL:   baseURL,
			Margin:    s.Margin,
		}, log)
	case "alpaca":
		client = NewAlpacaClient(AlpacaConfig{
			APIKey:    s.APIKey,
			APISecret: s.APISecret,
			BaseURL:   baseURL,
		}, log)
	case "legacy":
		client = NewLegacyClient(LegacyConfig{
			Addr:    s.Addr,
			Account: s.Account,
			Token:   s.Token,
		}, log)
	case "sim":
		client = NewSimClient(map[string]float64{s.Currency: 0})
	}

	return NewAdapter(Options{
		Name:          name,
		Client:        client,
		Caps:          caps,
		MaxConcurrent: s.MaxConcurrent,
		MinInterval:   s.MinInterval,
		Resilience:    s.Resilience,
		Log:           log,
	}), nil
}

// Registry holds the configured adapters keyed by instance name. It is
// populated at startup and read-only afterwards, so lookups need no lock.
type Registry struct {
	adapters map[string]Broker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Broker)}
}

// Register stores an adapter under its instance name.
func (r *Registry) Register(name string, b Broker) {
	r.adapters[name] = b
}

// Get resolves an adapter by instance name.
func (r *Registry) Get(name string) (Broker, error) {
	if b, ok := r.adapters[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("broker: no adapter registered for %q", name)
}

// Names returns the registered instance names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
