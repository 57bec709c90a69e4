package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"

	envPrefix = "PAYGW"
)

// MpesaCredentials covers both the push-to-pay (STK) and the B2C payout flows.
type MpesaCredentials struct {
	Environment    string `mapstructure:"environment" validate:"required,oneof=sandbox production"`
	BaseURL        string `mapstructure:"base_url" validate:"omitempty,url"`
	ConsumerKey    string `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret string `mapstructure:"consumer_secret" validate:"required"`

	ShortCode       string `mapstructure:"short_code" validate:"required,numeric"`
	Passkey         string `mapstructure:"passkey" validate:"required"`
	TransactionType string `mapstructure:"transaction_type" validate:"required,oneof=CustomerPayBillOnline CustomerBuyGoodsOnline"`
	CallbackURL     string `mapstructure:"callback_url" validate:"required,url"`

	InitiatorName      string `mapstructure:"initiator_name" validate:"required"`
	SecurityCredential string `mapstructure:"security_credential" validate:"required"`
	B2CShortCode       string `mapstructure:"b2c_short_code" validate:"required,numeric"`
	B2CCommandID       string `mapstructure:"b2c_command_id" validate:"required,oneof=BusinessPayment SalaryPayment PromotionPayment"`
	ResultURL          string `mapstructure:"result_url" validate:"required,url"`
	QueueTimeoutURL    string `mapstructure:"queue_timeout_url" validate:"required,url"`
}

func (c *MpesaCredentials) Endpoint() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == EnvProduction {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

type PesapalCredentials struct {
	Environment    string `mapstructure:"environment" validate:"required,oneof=sandbox production"`
	BaseURL        string `mapstructure:"base_url" validate:"omitempty,url"`
	ConsumerKey    string `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret string `mapstructure:"consumer_secret" validate:"required"`

	// CallbackURL is where the customer's browser lands after hosted checkout.
	CallbackURL string `mapstructure:"callback_url" validate:"required,url"`
	// NotificationID is the id returned when the IPN URL was registered.
	NotificationID string `mapstructure:"notification_id" validate:"required"`
	RefundUsername string `mapstructure:"refund_username" validate:"required"`
	Currency       string `mapstructure:"currency" validate:"required,len=3"`
}

func (c *PesapalCredentials) Endpoint() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == EnvProduction {
		return "https://pay.pesapal.com/v3"
	}
	return "https://cybqa.pesapal.com/pesapalv3"
}

// CredentialStore holds the static per-provider configuration. A provider is
// enabled by the presence of its section; an enabled provider must be
// complete.
type CredentialStore struct {
	Mpesa   *MpesaCredentials   `mapstructure:"mpesa"`
	Pesapal *PesapalCredentials `mapstructure:"pesapal"`
}

var credentialKeys = []string{
	"mpesa.environment", "mpesa.base_url", "mpesa.consumer_key", "mpesa.consumer_secret",
	"mpesa.short_code", "mpesa.passkey", "mpesa.transaction_type", "mpesa.callback_url",
	"mpesa.initiator_name", "mpesa.security_credential", "mpesa.b2c_short_code",
	"mpesa.b2c_command_id", "mpesa.result_url", "mpesa.queue_timeout_url",
	"pesapal.environment", "pesapal.base_url", "pesapal.consumer_key", "pesapal.consumer_secret",
	"pesapal.callback_url", "pesapal.notification_id", "pesapal.refund_username", "pesapal.currency",
}

// LoadCredentials reads path (YAML) and applies PAYGW_ environment overrides,
// e.g. PAYGW_MPESA_CONSUMER_SECRET. A missing file is fine as long as the
// environment configures at least one provider.
func LoadCredentials(path string) (*CredentialStore, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range credentialKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, apperr.Wrap(apperr.ConfigurationMissing, "unreadable credentials file", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.ConfigurationMissing, "unreadable credentials file", err)
		}
	}

	store := &CredentialStore{}
	if err := v.Unmarshal(store); err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationMissing, "invalid credentials file", err)
	}
	store.applyDefaults()

	if err := store.Validate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *CredentialStore) applyDefaults() {
	if m := s.Mpesa; m != nil {
		if m.TransactionType == "" {
			m.TransactionType = "CustomerPayBillOnline"
		}
		if m.B2CCommandID == "" {
			m.B2CCommandID = "BusinessPayment"
		}
		if m.B2CShortCode == "" {
			m.B2CShortCode = m.ShortCode
		}
	}
	if p := s.Pesapal; p != nil && p.Currency == "" {
		p.Currency = "KES"
	}
}

// Validate reports every missing or malformed field of every enabled provider
// as a single configuration_missing error.
func (s *CredentialStore) Validate() error {
	if s.Mpesa == nil && s.Pesapal == nil {
		return apperr.New(apperr.ConfigurationMissing, "no payment provider configured")
	}

	validate := validator.New()
	var problems []string
	check := func(section string, v interface{}) {
		err := validate.Struct(v)
		if err == nil {
			return
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			problems = append(problems, fmt.Sprintf("%s: %v", section, err))
			return
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s.%s: failed %s", section, fe.Field(), fe.Tag()))
		}
	}
	if s.Mpesa != nil {
		check("mpesa", s.Mpesa)
	}
	if s.Pesapal != nil {
		check("pesapal", s.Pesapal)
	}

	if len(problems) > 0 {
		return &apperr.AppError{
			Kind:      apperr.ConfigurationMissing,
			PublicMsg: "incomplete provider credentials",
			Err:       errors.New(strings.Join(problems, "; ")),
		}
	}
	return nil
}

func (s *CredentialStore) Providers() []models.Provider {
	var out []models.Provider
	if s.Mpesa != nil {
		out = append(out, models.ProviderMpesa)
	}
	if s.Pesapal != nil {
		out = append(out, models.ProviderPesapal)
	}
	return out
}
