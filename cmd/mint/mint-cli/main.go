package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cashmint/cashmint/cashu/nuts/nut02"
	"github.com/cashmint/cashmint/mint/admin"
	"github.com/urfave/cli/v2"
)

const adminURLFlag = "url"

var httpClient = &http.Client{Timeout: 10 * time.Second}

func main() {
	app := &cli.App{
		Name:  "cashmint-cli",
		Usage: "cli to interact with a running cashmint mint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  adminURLFlag,
				Usage: "Address of the mint admin server",
				Value: "http://127.0.0.1:8080",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "issued",
				Usage:  "Get total issued ecash",
				Action: issuedEcash,
			},
			{
				Name:   "redeemed",
				Usage:  "Get total redeemed ecash",
				Action: redeemedEcash,
			},
			{
				Name:   "totalbalance",
				Usage:  "Get total ecash in circulation",
				Action: totalBalance,
			},
			{
				Name:   "ledger",
				Usage:  "Get size of the spent proofs ledger",
				Action: ledgerInfo,
			},
			{
				Name:   "pendingmelts",
				Usage:  "List melt quotes with in-flight payments",
				Action: pendingMelts,
			},
			{
				Name:   "keysets",
				Usage:  "List keysets",
				Action: listKeysets,
			},
			{
				Name:  "rotatekeyset",
				Usage: "Rotate to a new active keyset",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "fee",
						Usage: "Input fee ppk for the new keyset",
					},
				},
				Action: rotateKeyset,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func get(ctx *cli.Context, path string, result interface{}) error {
	return request(ctx, http.MethodGet, path, result)
}

func request(ctx *cli.Context, method, path string, result interface{}) error {
	adminURL := strings.TrimSuffix(ctx.String(adminURLFlag), "/") + path

	req, err := http.NewRequest(method, adminURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(string(body))
	}

	return json.Unmarshal(body, result)
}

func issuedEcash(ctx *cli.Context) error {
	var issued admin.IssuedEcashResponse
	if err := get(ctx, "/issued", &issued); err != nil {
		return err
	}

	fmt.Printf("Total issued: %v\n", issued.TotalIssued)
	return nil
}

func redeemedEcash(ctx *cli.Context) error {
	var redeemed admin.RedeemedEcashResponse
	if err := get(ctx, "/redeemed", &redeemed); err != nil {
		return err
	}

	fmt.Printf("Total redeemed: %v\n", redeemed.TotalRedeemed)
	return nil
}

func totalBalance(ctx *cli.Context) error {
	var balance admin.TotalBalanceResponse
	if err := get(ctx, "/totalbalance", &balance); err != nil {
		return err
	}

	fmt.Printf("Total issued: %v\n", balance.TotalIssued)
	fmt.Printf("Total redeemed: %v\n", balance.TotalRedeemed)
	fmt.Printf("\nTotal in circulation: %v\n", balance.TotalInCirculation)
	return nil
}

func ledgerInfo(ctx *cli.Context) error {
	var ledger admin.LedgerInfoResponse
	if err := get(ctx, "/ledger", &ledger); err != nil {
		return err
	}

	fmt.Printf("Spent proofs in ledger: %v\n", ledger.ProofsCount)
	return nil
}

func pendingMelts(ctx *cli.Context) error {
	var pending admin.PendingMeltQuotesResponse
	if err := get(ctx, "/pendingmelts", &pending); err != nil {
		return err
	}

	if len(pending.Quotes) == 0 {
		fmt.Println("No pending melt quotes")
		return nil
	}

	fmt.Println("Pending melt quotes:")
	for _, quote := range pending.Quotes {
		fmt.Printf("\n%v\n", quote.Id)
		fmt.Printf("\tamount: %v\n", quote.Amount)
		fmt.Printf("\tpayment hash: %v\n", quote.PaymentHash)
		fmt.Printf("\texpiry: %v\n", time.Unix(int64(quote.Expiry), 0))
	}
	return nil
}

func listKeysets(ctx *cli.Context) error {
	var keysets nut02.GetKeysetsResponse
	if err := get(ctx, "/keysets", &keysets); err != nil {
		return err
	}

	fmt.Println("Keysets: ")
	for _, keyset := range keysets.Keysets {
		fmt.Printf("\n%v\n", keyset.Id)
		fmt.Printf("\tunit: %v\n", keyset.Unit)
		fmt.Printf("\tactive: %v\n", keyset.Active)
		fmt.Printf("\tfee: %v\n\n", keyset.InputFeePpk)
	}
	return nil
}

func rotateKeyset(ctx *cli.Context) error {
	if !ctx.IsSet("fee") {
		return errors.New("please specify a fee for the new keyset")
	}
	fee := ctx.Int("fee")

	var newKeyset nut02.Keyset
	path := "/rotatekeyset?fee=" + strconv.Itoa(fee)
	if err := request(ctx, http.MethodPost, path, &newKeyset); err != nil {
		return err
	}

	fmt.Println("New keyset: ")
	fmt.Printf("\n%v\n", newKeyset.Id)
	fmt.Printf("\tunit: %v\n", newKeyset.Unit)
	fmt.Printf("\tactive: %v\n", newKeyset.Active)
	fmt.Printf("\tfee: %v\n\n", newKeyset.InputFeePpk)
	return nil
}
