package normalizer

import (
	"context"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// networkNormalizer handles flow logs, firewall and IDS payloads.
type networkNormalizer struct{}

func (n *networkNormalizer) Supports(sourceType string) bool {
	return sourceType == string(models.SourceNetwork)
}

func (n *networkNormalizer) Normalize(_ context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error) {
	fields, err := decodePayload(envelope)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	srcIP, err := requireString(fields, "src_ip")
	if err != nil {
		return nil, err
	}

	entities := map[string]string{models.EntityIP: srcIP}
	if host := optionalString(fields, "host"); host != "" {
		entities[models.EntityHost] = host
	}
	if domain := optionalString(fields, "dest_domain"); domain != "" {
		entities[models.EntityDomain] = domain
	}

	return newEvent(envelope, models.SourceNetwork, ts, entities, fields, "timestamp"), nil
}

// endpointNormalizer handles EDR/host agent payloads.
type endpointNormalizer struct{}

func (n *endpointNormalizer) Supports(sourceType string) bool {
	return sourceType == string(models.SourceEndpoint)
}

func (n *endpointNormalizer) Normalize(_ context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error) {
	fields, err := decodePayload(envelope)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	host, err := requireString(fields, "host")
	if err != nil {
		return nil, err
	}

	entities := map[string]string{models.EntityHost: host}
	if user := optionalString(fields, "user"); user != "" {
		entities[models.EntityUser] = user
	}
	if proc := optionalString(fields, "process"); proc != "" {
		entities[models.EntityProcess] = proc
	}

	return newEvent(envelope, models.SourceEndpoint, ts, entities, fields, "timestamp"), nil
}

// identityNormalizer handles authentication and directory payloads.
type identityNormalizer struct{}

func (n *identityNormalizer) Supports(sourceType string) bool {
	return sourceType == string(models.SourceIdentity)
}

func (n *identityNormalizer) Normalize(_ context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error) {
	fields, err := decodePayload(envelope)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	user, err := requireString(fields, "user")
	if err != nil {
		return nil, err
	}

	entities := map[string]string{models.EntityUser: user}
	if host := optionalString(fields, "host"); host != "" {
		entities[models.EntityHost] = host
	}
	if session := optionalString(fields, "session"); session != "" {
		entities[models.EntitySession] = session
	}
	if ip := optionalString(fields, "src_ip"); ip != "" {
		entities[models.EntityIP] = ip
	}

	return newEvent(envelope, models.SourceIdentity, ts, entities, fields, "timestamp"), nil
}

// applicationNormalizer handles application audit log payloads.
type applicationNormalizer struct{}

func (n *applicationNormalizer) Supports(sourceType string) bool {
	return sourceType == string(models.SourceApplication)
}

func (n *applicationNormalizer) Normalize(_ context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error) {
	fields, err := decodePayload(envelope)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	app, err := requireString(fields, "application")
	if err != nil {
		return nil, err
	}

	entities := map[string]string{"application": app}
	if user := optionalString(fields, "user"); user != "" {
		entities[models.EntityUser] = user
	}
	if host := optionalString(fields, "host"); host != "" {
		entities[models.EntityHost] = host
	}
	if session := optionalString(fields, "session"); session != "" {
		entities[models.EntitySession] = session
	}

	return newEvent(envelope, models.SourceApplication, ts, entities, fields, "timestamp"), nil
}

// emailNormalizer handles mail gateway payloads.
type emailNormalizer struct{}

func (n *emailNormalizer) Supports(sourceType string) bool {
	return sourceType == string(models.SourceEmail)
}

func (n *emailNormalizer) Normalize(_ context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error) {
	fields, err := decodePayload(envelope)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	recipient, err := requireString(fields, "recipient")
	if err != nil {
		return nil, err
	}

	entities := map[string]string{models.EntityUser: recipient}
	if domain := optionalString(fields, "sender_domain"); domain != "" {
		entities[models.EntityDomain] = domain
	}

	return newEvent(envelope, models.SourceEmail, ts, entities, fields, "timestamp"), nil
}
