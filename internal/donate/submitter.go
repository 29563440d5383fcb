package donate

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/john/pressme-overlay/internal/backend"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/wallet"
)

// Backend is the two-phase donation API
type Backend interface {
	StartDonation(ctx context.Context, req backend.DonationRequest) (string, error)
	ConfirmDonation(ctx context.Context, req backend.DonationRequest, signedTx string) (string, error)
}

// Request describes one donation attempt
type Request struct {
	Wallet   string        // Donor address, defaults to the connected wallet
	Type     donation.Type // Defaults to text
	Amount   float64       // SOL, defaults to the type's price
	Message  string
	MediaURL string
}

// Receipt is a confirmed donation
type Receipt struct {
	Signature string        `json:"signature"`
	Wallet    string        `json:"wallet"`
	Type      donation.Type `json:"type"`
	Amount    float64       `json:"amount"`
}

// Submitter runs the start, sign and confirm round trip
type Submitter struct {
	backend Backend
	wallet  wallet.Provider
	log     logging.Entry
}

// NewSubmitter creates a submitter
func NewSubmitter(b Backend, w wallet.Provider, logger logging.Logger) *Submitter {
	return &Submitter{backend: b, wallet: w, log: logging.Component(logger, "donate")}
}

// Send submits a donation. Every failure is returned as *Error.
func (s *Submitter) Send(ctx context.Context, req Request) (r Receipt, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("donation panic: %v", p)
		}
		if err != nil {
			de := Classify(err)
			s.log.WithError(err).WithField("code", de.Code).Warn("Donation failed")
			r, err = Receipt{}, de
		}
	}()
	return s.send(ctx, req)
}

func (s *Submitter) send(ctx context.Context, req Request) (Receipt, error) {
	if req.Type == "" {
		req.Type = donation.TypeText
	}
	typ, err := donation.ParseType(string(req.Type))
	if err != nil {
		return Receipt{}, &Error{Code: CodeUnknown, Message: "Unknown donation type.", Err: err}
	}
	if typ.HasMedia() && req.MediaURL == "" {
		return Receipt{}, &Error{Code: CodeUnknown, Message: fmt.Sprintf("A media file is required for %s donations.", typ)}
	}
	if req.Amount <= 0 {
		req.Amount = donation.Price(typ)
	}

	if s.wallet == nil {
		return Receipt{}, wallet.ErrNotDetected
	}
	pk, ok := s.wallet.PublicKey()
	if !ok {
		return Receipt{}, wallet.ErrNotConnected
	}
	if req.Wallet == "" {
		req.Wallet = pk.String()
	}

	breq := backend.DonationRequest{
		Wallet:   req.Wallet,
		Type:     string(typ),
		Amount:   req.Amount,
		Message:  req.Message,
		MediaURL: req.MediaURL,
	}
	log := s.log.WithFields(logging.Fields{"wallet": breq.Wallet, "type": breq.Type, "amount": breq.Amount})

	log.Debug("Requesting transaction")
	blob, err := s.backend.StartDonation(ctx, breq)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to start donation: %w", err)
	}

	tx, err := decodeTransaction(blob)
	if err != nil {
		return Receipt{}, err
	}

	log.Debug("Requesting signature")
	signed, err := s.wallet.SignTransaction(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode signed transaction: %w", err)
	}

	sig, err := s.backend.ConfirmDonation(ctx, breq, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to confirm donation: %w", err)
	}

	log.WithField("signature", sig).Info("Donation confirmed")
	return Receipt{Signature: sig, Wallet: breq.Wallet, Type: typ, Amount: breq.Amount}, nil
}

func decodeTransaction(blob string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}
