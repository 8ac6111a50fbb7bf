package core

// The v0alpha2 gateway API surface: route constants, request/response data
// types, the UCAN invocation headers, and the mapping between the error
// taxonomy and HTTP status codes.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// APIVersion is the gateway protocol version implemented here.
const APIVersion = "v0alpha2"

// APIBasePath prefixes every route.
const APIBasePath = "/api/" + APIVersion

// Route suffixes under APIBasePath.
const (
	RouteDid       = "/did"
	RouteIdentify  = "/identify"
	RouteFetch     = "/fetch"
	RoutePush      = "/push"
	RouteReplicate = "/replicate"
)

// ErrUnexpectedBody marks a push body that fails its structural contract.
var ErrUnexpectedBody = fmt.Errorf("%w: unexpected push body", ErrDecode)

// ErrBrokenStream marks a block stream interrupted mid-transfer.
var ErrBrokenStream = fmt.Errorf("%w: block stream interrupted", ErrNetwork)

// PushBody is the payload opening a push request, followed on the wire by a
// framed stream of every block reachable from LocalTip but not LocalBase.
type PushBody struct {
	// Sphere is the DID of the local sphere whose revisions are pushed.
	Sphere Did `cbor:"sphere"`
	// LocalBase is the base revision of the pushed payload; nil means the
	// entire history is being pushed.
	LocalBase *Ref `cbor:"local_base,omitempty"`
	// LocalTip is the tip of the pushed history.
	LocalTip Ref `cbor:"local_tip"`
	// CounterpartTip is the last received tip of the counterpart sphere.
	CounterpartTip *Ref `cbor:"counterpart_tip,omitempty"`
	// NameRecord optionally carries a link record to publish.
	NameRecord *string `cbor:"name_record,omitempty"`
}

// PushAccepted reports the counterpart tip after new history is accepted.
type PushAccepted struct {
	NewTip Ref `cbor:"new_tip"`
}

// PushResponse is the push route's success envelope: exactly one of
// Accepted or NoChange.
type PushResponse struct {
	Accepted *PushAccepted `cbor:"accepted,omitempty"`
	NoChange bool          `cbor:"no_change,omitempty"`
}

// IdentifyResponse describes the gateway and the counterpart it serves.
type IdentifyResponse struct {
	GatewayIdentity Did    `json:"gateway_identity"`
	Counterpart     Did    `json:"counterpart"`
	SignedProofJwt  string `json:"signed_proof_jwt"`
}

// ErrorBody is the wire form of a failed request.
type ErrorBody struct {
	Error string `cbor:"error" json:"error"`
}

//---------------------------------------------------------------------
// Push body framing
//---------------------------------------------------------------------

// WritePushBody frames the CBOR-encoded body with a varint length prefix so
// the block stream can follow it in the same request body.
func WritePushBody(w io.Writer, body *PushBody) error {
	encoded, err := EncodeCanonical(body)
	if err != nil {
		return err
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(encoded)))); err != nil {
		return fmt.Errorf("%w: write push body: %v", ErrNetwork, err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("%w: write push body: %v", ErrNetwork, err)
	}
	return nil
}

// ReadPushBody consumes the framed body, leaving the reader positioned at
// the start of the block stream.
func ReadPushBody(r io.ByteReader) (*PushBody, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedBody, err)
	}
	if size > MaxCarFrameSize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrUnexpectedBody, size)
	}
	encoded := make([]byte, size)
	for i := range encoded {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedBody, err)
		}
		encoded[i] = b
	}
	var body PushBody
	if err := DecodeCanonical(encoded, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedBody, err)
	}
	return &body, nil
}

//---------------------------------------------------------------------
// UCAN invocation headers
//---------------------------------------------------------------------

const (
	headerAuthorization = "Authorization"
	headerUcan          = "ucan"
	bearerPrefix        = "Bearer "
)

// CollectProofJwts resolves the transitive proof tokens beneath token,
// keyed by identifier.
func CollectProofJwts(ctx context.Context, tokens TokenStore, token *Ucan) (map[string]string, error) {
	collected := map[string]string{}
	var walk func(token *Ucan) error
	walk = func(token *Ucan) error {
		for _, proofID := range token.Proofs {
			key := proofID.String()
			if _, ok := collected[key]; ok {
				continue
			}
			serialized, err := tokens.RequireToken(ctx, proofID)
			if err != nil {
				return err
			}
			collected[key] = serialized
			proof, err := ParseUcan(serialized)
			if err != nil {
				return err
			}
			if err := walk(proof); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(token); err != nil {
		return nil, err
	}
	return collected, nil
}

// AttachUcanHeaders sets the bearer invocation token and one auxiliary ucan
// header per proof in the chain.
func AttachUcanHeaders(req *http.Request, invocation *Ucan, proofs map[string]string) {
	req.Header.Set(headerAuthorization, bearerPrefix+invocation.Jwt())
	for id, serialized := range proofs {
		req.Header.Add(headerUcan, fmt.Sprintf("%s %s", id, serialized))
	}
}

// ExtractUcanHeaders pulls the bearer invocation token off a request and
// writes every advertised proof into the token store, verifying that each
// advertised id matches the stored token's derived id.
func ExtractUcanHeaders(ctx context.Context, tokens TokenStore, r *http.Request) (*Ucan, error) {
	authorization := r.Header.Get(headerAuthorization)
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return nil, fmt.Errorf("%w: missing bearer token", ErrAuthorization)
	}
	for _, value := range r.Header.Values(headerUcan) {
		parts := strings.SplitN(value, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: malformed ucan header", ErrMalformedToken)
		}
		advertised, err := cid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: ucan header id: %v", ErrMalformedToken, err)
		}
		stored, err := tokens.WriteToken(ctx, parts[1])
		if err != nil {
			return nil, err
		}
		if !stored.Equals(advertised) {
			return nil, fmt.Errorf("%w: ucan header advertises %s but token is %s",
				ErrMalformedToken, advertised, stored)
		}
	}
	return ParseUcan(strings.TrimPrefix(authorization, bearerPrefix))
}

//---------------------------------------------------------------------
// Error ↔ status mapping
//---------------------------------------------------------------------

// StatusForError maps taxonomy kinds onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrUnexpectedBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthorization), errors.Is(err, ErrSignature), errors.Is(err, ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrMissingHistory):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBrokenStream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorForStatus reverses StatusForError on the client side.
func ErrorForStatus(status int, message string) error {
	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrUnexpectedBody, message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthorization, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, message)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrMissingHistory, message)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", ErrBrokenStream, message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInternal, status, message)
	}
}
