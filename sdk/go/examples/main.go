package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"A2A-PayGate/sdk/go/paygate"
)

// 用法: PAYGATE_URL=http://localhost:8080 PAYGATE_KEY=<hex> go run ./sdk/go/examples
func main() {
	baseURL := os.Getenv("PAYGATE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	opts := []paygate.Option{}
	if key := os.Getenv("PAYGATE_KEY"); key != "" {
		payer, err := paygate.NewKeyPayerFromHex(key, 5*time.Minute)
		if err != nil {
			log.Fatalf("load key: %v", err)
		}
		fmt.Println("payer:", payer.Address())
		// 单次调用最多支付 1 USDC。
		opts = append(opts, paygate.WithPayer(payer), paygate.WithMaxPayment(big.NewInt(1_000_000)))
	}
	client, err := paygate.NewClient(baseURL, opts...)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	skill := "echo"
	if len(os.Args) > 1 {
		skill = os.Args[1]
	}
	task, res, err := client.Send(ctx, paygate.SendRequest{Skill: skill, Message: paygate.UserText("hello from the Go SDK")})
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	fmt.Printf("task %s: %s\n", task.ID, task.Status.State)
	for _, artifact := range task.Artifacts {
		for _, part := range artifact.Parts {
			fmt.Printf("  [%s] %s\n", part.Type, part.Text)
		}
	}
	if res.Settlement != nil {
		fmt.Printf("paid: payment %s settled as %s\n", res.Settlement.PaymentID, res.Settlement.Transaction)
	}
}
