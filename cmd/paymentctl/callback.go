package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// stkOptions describes a simulated STK push result.
type stkOptions struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           string
	Amount            int64
	Phone             string
}

// stkCallbackBody renders the callback Daraja posts when a push completes.
// Metadata is only present on success.
func stkCallbackBody(o stkOptions) ([]byte, error) {
	cb := map[string]interface{}{
		"MerchantRequestID": o.MerchantRequestID,
		"CheckoutRequestID": o.CheckoutRequestID,
		"ResultCode":        o.ResultCode,
		"ResultDesc":        o.ResultDesc,
	}
	if o.ResultCode == 0 {
		cb["CallbackMetadata"] = map[string]interface{}{
			"Item": []map[string]interface{}{
				{"Name": "Amount", "Value": o.Amount},
				{"Name": "MpesaReceiptNumber", "Value": o.Receipt},
				{"Name": "TransactionDate", "Value": time.Now().Format("20060102150405")},
				{"Name": "PhoneNumber", "Value": o.Phone},
			},
		}
	}
	return json.Marshal(map[string]interface{}{"Body": map[string]interface{}{"stkCallback": cb}})
}

func callbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Send simulated provider callbacks to a running gateway",
	}
	cmd.AddCommand(simulateSTKCmd())
	return cmd
}

func simulateSTKCmd() *cobra.Command {
	var (
		baseURL   string
		reference string
		opts      stkOptions
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Post a simulated STK push result for a checkout request",
		Long: `Post an STK push result for a checkout request, as Daraja would.

Examples:
  paymentctl callback simulate --checkout ws_CO_191220191020363925 --receipt NLJ7RT61SV
  paymentctl callback simulate --checkout ws_CO_191220191020363925 --code 1032 --desc "Request cancelled by user"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.CheckoutRequestID == "" {
				return fmt.Errorf("--checkout is required")
			}
			if opts.ResultDesc == "" {
				opts.ResultDesc = "The service request is processed successfully."
			}
			body, err := stkCallbackBody(opts)
			if err != nil {
				return err
			}

			target := strings.TrimRight(baseURL, "/") + "/callbacks/mpesa/stk"
			if reference != "" {
				target += "?" + url.Values{"ref": {reference}}.Encode()
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(target, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to post callback: %w", err)
			}
			defer resp.Body.Close()

			reply, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Status, reply)
			if resp.StatusCode >= 300 {
				return fmt.Errorf("gateway answered %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8081", "gateway base URL")
	cmd.Flags().StringVar(&reference, "ref", "", "merchant reference appended as ?ref=")
	cmd.Flags().StringVar(&opts.MerchantRequestID, "merchant", "", "MerchantRequestID")
	cmd.Flags().StringVar(&opts.CheckoutRequestID, "checkout", "", "CheckoutRequestID")
	cmd.Flags().IntVar(&opts.ResultCode, "code", 0, "ResultCode (0 is success)")
	cmd.Flags().StringVar(&opts.ResultDesc, "desc", "", "ResultDesc")
	cmd.Flags().StringVar(&opts.Receipt, "receipt", "SIM0000000", "MpesaReceiptNumber on success")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 1, "amount reported on success")
	cmd.Flags().StringVar(&opts.Phone, "phone", "254708374149", "payer phone reported on success")
	return cmd
}
