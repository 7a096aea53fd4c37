package mint

import (
	"time"

	"github.com/cashmint/cashmint/cashu/nuts/nut06"
	"github.com/cashmint/cashmint/mint/lightning"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

const (
	Sqlite = "sqlite"
	Bolt   = "bolt"
)

type Config struct {
	DerivationPathIdx uint32
	Port              string
	MintPath          string
	// storage backend: sqlite (default) or bolt
	DBBackend       string
	InputFeePpk     uint
	MintInfo        MintInfo
	Limits          MintLimits
	LightningClient lightning.Client
	LogLevel        LogLevel
	// NOTE: using this value for testing
	MeltTimeout *time.Duration
}

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	IconURL         string
	URLs            []string
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}
