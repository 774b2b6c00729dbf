package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Interaction names used by this package. The vocabulary is open; any other
// name can be sent through Invoke.
const (
	InteractionOpenForm  = "OpenForm"
	InteractionCloseForm = "CloseForm"
	InteractionLoadForm  = "LoadForm"
	InteractionFilter    = "Filter"
	InteractionSaveValue = "SaveValue"
)

// Interaction is one named operation embedded in an invoke call. It is
// never mutated after it has been sent.
type Interaction struct {
	Name string
	// NamedParameters is opaque to this package and sent string-encoded
	NamedParameters *structpb.Struct
	ControlPath     string
	FormID          string
	CallbackID      string

	SkipExtendingSessionLifetime bool
}

// Params converts a plain map into interaction parameters.
func Params(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("session: named parameters: %w", err)
	}
	return s, nil
}

// mustParams is Params for literal maps built inside this package
func mustParams(m map[string]any) *structpb.Struct {
	s, err := Params(m)
	if err != nil {
		panic(err)
	}
	return s
}

// wireInteraction is the on-the-wire shape of an Interaction
type wireInteraction struct {
	InteractionName              string `json:"interactionName"`
	SkipExtendingSessionLifetime bool   `json:"skipExtendingSessionLifetime"`
	NamedParameters              string `json:"namedParameters"`
	CallbackID                   string `json:"callbackId"`
	ControlPath                  string `json:"controlPath,omitempty"`
	FormID                       string `json:"formId,omitempty"`
}

func encodeInteraction(in Interaction, index int) (wireInteraction, error) {
	params := "{}"
	if in.NamedParameters != nil {
		data, err := protojson.Marshal(in.NamedParameters)
		if err != nil {
			return wireInteraction{}, fmt.Errorf("session: encode %s parameters: %w", in.Name, err)
		}
		params = string(data)
	}
	callbackID := in.CallbackID
	if callbackID == "" {
		callbackID = strconv.Itoa(index)
	}
	return wireInteraction{
		InteractionName:              in.Name,
		SkipExtendingSessionLifetime: in.SkipExtendingSessionLifetime,
		NamedParameters:              params,
		CallbackID:                   callbackID,
		ControlPath:                  in.ControlPath,
		FormID:                       in.FormID,
	}, nil
}

// navigationContext identifies the client application instance
type navigationContext struct {
	ApplicationID  string `json:"applicationId"`
	DeviceCategory int    `json:"deviceCategory"`
	SpaInstanceID  string `json:"spaInstanceId"`
}

// invokeBody is params[0] of an Invoke request
type invokeBody struct {
	OpenFormIDs                 []string          `json:"openFormIds"`
	SessionID                   string            `json:"sessionId"`
	SequenceNo                  string            `json:"sequenceNo"`
	LastClientAckSequenceNumber int64             `json:"lastClientAckSequenceNumber"`
	NavigationContext           navigationContext `json:"navigationContext"`
	SupportedExtensions         string            `json:"supportedExtensions"`
	InteractionsToInvoke        []wireInteraction `json:"interactionsToInvoke"`
	TenantID                    string            `json:"tenantId"`
	Company                     string            `json:"company,omitempty"`
}

// openSessionBody is params[0] of an OpenSession request
type openSessionBody struct {
	invokeBody
	ClientType     string `json:"clientType"`
	ClientVersion  string `json:"clientVersion"`
	ClientCulture  string `json:"clientCulture,omitempty"`
	ClientTimeZone string `json:"clientTimeZone,omitempty"`
}

type extensionRef struct {
	Name string `json:"Name"`
}

// encodeExtensions renders the supported extension list as the string-encoded
// JSON array the server expects
func encodeExtensions(names []string) (string, error) {
	refs := make([]extensionRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, extensionRef{Name: n})
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeInteractions(ins []Interaction) ([]wireInteraction, error) {
	out := make([]wireInteraction, 0, len(ins))
	for i, in := range ins {
		w, err := encodeInteraction(in, i)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// FormatSequenceNo renders a client sequence number as "<spaInstanceId>#<n>".
func FormatSequenceNo(spaInstanceID string, n int64) string {
	return spaInstanceID + "#" + strconv.FormatInt(n, 10)
}

// ParseSequenceNo splits a sequence number produced by FormatSequenceNo.
func ParseSequenceNo(s string) (string, int64, error) {
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		return "", 0, fmt.Errorf("session: malformed sequence number %q", s)
	}
	n, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("session: malformed sequence number %q: %w", s, err)
	}
	return s[:i], n, nil
}
