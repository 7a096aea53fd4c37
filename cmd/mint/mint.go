package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cashmint/cashmint/cashu/nuts/nut06"
	"github.com/cashmint/cashmint/mint"
	"github.com/cashmint/cashmint/mint/admin"
	"github.com/cashmint/cashmint/mint/lightning"
	"github.com/joho/godotenv"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatalf("error loading .env file: %v", err)
		}
	}

	mintConfig, err := configFromEnv()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	m, err := mint.LoadMint(*mintConfig)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}

	mintServer := mint.SetupMintServer(m, mintConfig.Port)

	var adminServer *admin.Server
	if enabled, _ := strconv.ParseBool(os.Getenv("ENABLE_ADMIN_SERVER")); enabled {
		adminServer, err = admin.SetupServer(m, os.Getenv("ADMIN_SERVER_ADDR"))
		if err != nil {
			log.Fatalf("error setting up admin server: %v", err)
		}
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Fatalf("error running admin server: %v", err)
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		if adminServer != nil {
			adminServer.Shutdown()
		}
		mintServer.Shutdown()
	}()

	if err := mintServer.Start(); err != nil {
		log.Fatalf("error running mint server: %v", err)
	}
}

func configFromEnv() (*mint.Config, error) {
	var inputFeePpk uint = 0
	if feeEnv, ok := os.LookupEnv("MINT_INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(feeEnv, 10, 64)
		if err != nil {
			return nil, errInvalid("MINT_INPUT_FEE_PPK", err)
		}
		inputFeePpk = uint(fee)
	}

	var derivationPathIdx uint32 = 0
	if idxEnv, ok := os.LookupEnv("MINT_DERIVATION_PATH_IDX"); ok {
		idx, err := strconv.ParseUint(idxEnv, 10, 32)
		if err != nil {
			return nil, errInvalid("MINT_DERIVATION_PATH_IDX", err)
		}
		derivationPathIdx = uint32(idx)
	}

	port := os.Getenv("MINT_PORT")
	if len(port) == 0 {
		port = "3338"
	}

	mintPath := os.Getenv("MINT_PATH")
	dbBackend := os.Getenv("MINT_DB_BACKEND")

	mintLimits := mint.MintLimits{}
	if maxBalanceEnv, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(maxBalanceEnv, 10, 64)
		if err != nil {
			return nil, errInvalid("MAX_BALANCE", err)
		}
		mintLimits.MaxBalance = maxBalance
	}
	if maxMintEnv, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		maxMint, err := strconv.ParseUint(maxMintEnv, 10, 64)
		if err != nil {
			return nil, errInvalid("MINTING_MAX_AMOUNT", err)
		}
		mintLimits.MintingSettings = mint.MintMethodSettings{MaxAmount: maxMint}
	}
	if maxMeltEnv, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		maxMelt, err := strconv.ParseUint(maxMeltEnv, 10, 64)
		if err != nil {
			return nil, errInvalid("MELTING_MAX_AMOUNT", err)
		}
		mintLimits.MeltingSettings = mint.MeltMethodSettings{MaxAmount: maxMelt}
	}

	lightningClient, err := lightningFromEnv()
	if err != nil {
		return nil, err
	}

	mintInfo := mint.MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
		IconURL:         os.Getenv("MINT_ICON_URL"),
	}
	if contactEnv := os.Getenv("MINT_CONTACT_INFO"); len(contactEnv) > 0 {
		var contacts [][]string
		if err := json.Unmarshal([]byte(contactEnv), &contacts); err != nil {
			return nil, errInvalid("MINT_CONTACT_INFO", err)
		}
		contactInfo := make([]nut06.ContactInfo, len(contacts))
		for i, contact := range contacts {
			if len(contact) != 2 {
				return nil, errInvalid("MINT_CONTACT_INFO", nil)
			}
			contactInfo[i] = nut06.ContactInfo{Method: contact[0], Info: contact[1]}
		}
		mintInfo.Contact = contactInfo
	}
	if urlsEnv := os.Getenv("MINT_URLS"); len(urlsEnv) > 0 {
		var urls []string
		if err := json.Unmarshal([]byte(urlsEnv), &urls); err != nil {
			return nil, errInvalid("MINT_URLS", err)
		}
		mintInfo.URLs = urls
	}

	logLevel := mint.Info
	if os.Getenv("LOG") == "debug" {
		logLevel = mint.Debug
	}

	return &mint.Config{
		DerivationPathIdx: derivationPathIdx,
		Port:              port,
		MintPath:          mintPath,
		DBBackend:         dbBackend,
		InputFeePpk:       inputFeePpk,
		MintInfo:          mintInfo,
		Limits:            mintLimits,
		LightningClient:   lightningClient,
		LogLevel:          logLevel,
	}, nil
}

func lightningFromEnv() (lightning.Client, error) {
	switch backend := os.Getenv("LIGHTNING_BACKEND"); backend {
	case "Lnd", "":
		host := os.Getenv("LND_GRPC_HOST")
		certPath := os.Getenv("LND_CERT_PATH")
		macaroonPath := os.Getenv("LND_MACAROON_PATH")
		lndConfig, err := lightning.LndConfigFromPaths(host, certPath, macaroonPath)
		if err != nil {
			return nil, err
		}
		return lightning.SetupLndClient(lndConfig)

	case "CLN":
		clnConfig := lightning.CLNConfig{
			RestURL: os.Getenv("CLN_REST_URL"),
			Rune:    os.Getenv("CLN_REST_RUNE"),
		}
		return lightning.SetupCLNClient(clnConfig)

	// fake backend to run the mint without a lightning node. For development only,
	// it settles any invoice it is asked about.
	case "FakeBackend":
		fakeBackend := lightning.NewFakeBackend()
		fakeBackend.AutoSettle = true
		return fakeBackend, nil

	default:
		return nil, errInvalid("LIGHTNING_BACKEND", nil)
	}
}

func errInvalid(envVar string, err error) error {
	if err != nil {
		return fmt.Errorf("invalid value for %v: %v", envVar, err)
	}
	return fmt.Errorf("invalid value for %v", envVar)
}
