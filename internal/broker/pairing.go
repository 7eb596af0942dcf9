package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/infi-control/gateway-broker/internal/telemetry"
)

// PairingTTL bounds a pairing code's life. The store expires the key; the broker
// re-checks createdAt for stores that do not purge promptly.
const PairingTTL = 10 * time.Minute

// Register stores the operator's gateway credentials as the pending registration for
// apiKey, replacing any earlier one.
func (b *Broker) Register(ctx context.Context, apiKey string, in RegisterInput) error {
	if apiKey == "" {
		return ErrUnauthorized
	}
	name, baseURL, token := normalizeGateway(in.Name, in.BaseURL, in.Token)
	if baseURL == "" || token == "" {
		return invalid("baseUrl and token required")
	}

	sealed, err := b.sealRecord(PendingRegistration{
		Name:      name,
		BaseURL:   baseURL,
		Token:     token,
		CreatedAt: b.nowMillis(),
	})
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, pendingKey(apiKey), sealed, 0); err != nil {
		return storageError(err)
	}
	b.logger.Info("gateway registration pending", "name", name)
	return nil
}

// StartPairing issues a single-use code bound to apiKey.
func (b *Broker) StartPairing(ctx context.Context, apiKey string) (PairingTicket, error) {
	if apiKey == "" {
		return PairingTicket{}, ErrUnauthorized
	}
	code, err := b.newID()
	if err != nil {
		return PairingTicket{}, &Error{Kind: KindInternal, Message: "failed to generate pairing code", Cause: err}
	}

	raw, err := json.Marshal(PairingCode{APIKey: apiKey, CreatedAt: b.nowMillis()})
	if err != nil {
		return PairingTicket{}, &Error{Kind: KindInternal, Message: "failed to encode pairing code", Cause: err}
	}
	if err := b.store.Set(ctx, pairKey(code), string(raw), PairingTTL); err != nil {
		b.recordPairing(telemetry.FlowStart, err)
		return PairingTicket{}, storageError(err)
	}
	b.recordPairing(telemetry.FlowStart, nil)
	return PairingTicket{Code: code, ExpiresSec: int(PairingTTL / time.Second)}, nil
}

// FinishPairing consumes the caller's pending registration and a code the caller issued,
// turning them into a permanent connection.
//
// A code bound to another API key fails with ErrPairingForbidden before anything is
// written or deleted.
func (b *Broker) FinishPairing(ctx context.Context, apiKey, code string) (PairedConnection, error) {
	pc, err := b.finishPairing(ctx, apiKey, strings.TrimSpace(code))
	b.recordPairing(telemetry.FlowFinish, err)
	return pc, err
}

func (b *Broker) finishPairing(ctx context.Context, apiKey, code string) (PairedConnection, error) {
	if apiKey == "" {
		return PairedConnection{}, ErrUnauthorized
	}
	if code == "" {
		return PairedConnection{}, invalid("code required")
	}

	rec, err := b.loadPairingCode(ctx, code)
	if err != nil {
		return PairedConnection{}, err
	}
	if rec.APIKey != apiKey {
		return PairedConnection{}, ErrPairingForbidden
	}

	raw, found, err := b.store.Get(ctx, pendingKey(apiKey))
	if err != nil {
		return PairedConnection{}, storageError(err)
	}
	if !found {
		return PairedConnection{}, ErrNoPendingRegistration
	}
	var pending PendingRegistration
	if err := b.openRecord(raw, &pending, "Bad pending registration"); err != nil {
		return PairedConnection{}, err
	}

	paired, err := b.mintConnection(ctx, apiKey, pending.Name, pending.BaseURL, pending.Token)
	if err != nil {
		return PairedConnection{}, err
	}

	if err := b.store.Delete(ctx, pendingKey(apiKey)); err != nil {
		return PairedConnection{}, storageError(err)
	}
	if err := b.store.Delete(ctx, pairKey(code)); err != nil {
		return PairedConnection{}, storageError(err)
	}
	b.logger.Info("pairing finished", "connection_id", paired.ConnectionID, "flow", telemetry.FlowFinish)
	return paired, nil
}

// ClaimPairing attaches gateway credentials directly to the API key a code is bound to.
// No Authorization header is involved; possession of the code is the credential.
func (b *Broker) ClaimPairing(ctx context.Context, in ClaimInput) (PairedConnection, error) {
	pc, err := b.claimPairing(ctx, in)
	b.recordPairing(telemetry.FlowClaim, err)
	return pc, err
}

func (b *Broker) claimPairing(ctx context.Context, in ClaimInput) (PairedConnection, error) {
	code := strings.TrimSpace(in.Code)
	name, baseURL, token := normalizeGateway(in.Name, in.BaseURL, in.Token)
	if code == "" || baseURL == "" || token == "" {
		return PairedConnection{}, invalid("code, baseUrl, token required")
	}

	rec, err := b.loadPairingCode(ctx, code)
	if err != nil {
		return PairedConnection{}, err
	}

	paired, err := b.mintConnection(ctx, rec.APIKey, name, baseURL, token)
	if err != nil {
		return PairedConnection{}, err
	}
	if err := b.store.Delete(ctx, pairKey(code)); err != nil {
		return PairedConnection{}, storageError(err)
	}
	b.logger.Info("pairing claimed", "connection_id", paired.ConnectionID, "flow", telemetry.FlowClaim)
	return paired, nil
}

// loadPairingCode fetches, decodes and expiry-checks a code. A stale code is deleted.
func (b *Broker) loadPairingCode(ctx context.Context, code string) (PairingCode, error) {
	raw, found, err := b.store.Get(ctx, pairKey(code))
	if err != nil {
		return PairingCode{}, storageError(err)
	}
	if !found {
		return PairingCode{}, ErrPairingNotFound
	}

	var rec PairingCode
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return PairingCode{}, ErrCorruptRecord.with("Bad pairing record", err)
	}
	if err := rec.Validate(); err != nil {
		return PairingCode{}, ErrCorruptRecord.with("Bad pairing record", err)
	}

	if b.nowMillis() >= rec.CreatedAt+PairingTTL.Milliseconds() {
		if err := b.store.Delete(ctx, pairKey(code)); err != nil {
			b.logger.Warn("failed to delete stale pairing code", "error", err)
		}
		return PairingCode{}, ErrPairingNotFound
	}
	return rec, nil
}

// mintConnection seals a new connection, writes it and prepends it to apiKey's index.
func (b *Broker) mintConnection(ctx context.Context, apiKey, name, baseURL, token string) (PairedConnection, error) {
	id, err := b.newID()
	if err != nil {
		return PairedConnection{}, &Error{Kind: KindInternal, Message: "failed to generate connection id", Cause: err}
	}
	createdAt := b.nowMillis()

	sealed, err := b.sealRecord(Connection{BaseURL: baseURL, Token: token, Name: name, CreatedAt: createdAt})
	if err != nil {
		return PairedConnection{}, err
	}
	if err := b.store.Set(ctx, connKey(id), sealed, 0); err != nil {
		return PairedConnection{}, storageError(err)
	}

	evicted, err := b.index.append(ctx, apiKey, ConnectionSummary{
		ConnectionID: id,
		Name:         name,
		BaseURL:      baseURL,
		CreatedAt:    createdAt,
	})
	if err != nil {
		if delErr := b.store.Delete(ctx, connKey(id)); delErr != nil {
			b.logger.Warn("failed to remove unindexed connection", "connection_id", id, "error", delErr)
		}
		return PairedConnection{}, err
	}
	b.dropEvicted(ctx, evicted)

	return PairedConnection{ConnectionID: id, Name: name, BaseURL: baseURL}, nil
}

func (b *Broker) dropEvicted(ctx context.Context, evicted []ConnectionSummary) {
	if len(evicted) == 0 {
		return
	}
	telemetry.BrokerConnectionsEvictedTotal.Add(float64(len(evicted)))
	if !b.deleteEvicted {
		return
	}
	for _, e := range evicted {
		if err := b.store.Delete(ctx, connKey(e.ConnectionID)); err != nil {
			b.logger.Warn("failed to delete evicted connection", "connection_id", e.ConnectionID, "error", err)
			continue
		}
		b.logger.Info("evicted connection deleted", "connection_id", e.ConnectionID)
	}
}

func (b *Broker) recordPairing(flow string, err error) {
	telemetry.BrokerPairingsTotal.WithLabelValues(flow, pairingOutcome(err)).Inc()
}

func pairingOutcome(err error) string {
	if err == nil {
		return telemetry.OutcomeSuccess
	}
	switch KindOf(err) {
	case KindBadRequest, KindUnauthorized:
		return telemetry.OutcomeInvalid
	case KindForbidden:
		return telemetry.OutcomeForbidden
	case KindNotFound:
		return telemetry.OutcomeNotFound
	case KindConflict:
		return telemetry.OutcomeConflict
	default:
		return telemetry.OutcomeError
	}
}
