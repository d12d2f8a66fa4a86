package ngsi

import (
	"net/http"
	"strconv"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// v1Dialect NGSIv1 (/v1/updateContext, /NGSI9/registerContext)
type v1Dialect struct{}

type v1Metadata struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type v1Attribute struct {
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Value     any          `json:"value"`
	Metadatas []v1Metadata `json:"metadatas,omitempty"`
}

type v1EntityRef struct {
	Type      string `json:"type"`
	IsPattern string `json:"isPattern"`
	ID        string `json:"id"`
}

type v1ContextElement struct {
	Type       string        `json:"type"`
	IsPattern  string        `json:"isPattern"`
	ID         string        `json:"id"`
	Attributes []v1Attribute `json:"attributes"`
}

type v1StatusCode struct {
	Code         any    `json:"code"`
	ReasonPhrase string `json:"reasonPhrase,omitempty"`
	Details      string `json:"details,omitempty"`
}

type v1ContextResponse struct {
	ContextElement v1ContextElement `json:"contextElement"`
	StatusCode     v1StatusCode     `json:"statusCode"`
}

type v1ContextResponses struct {
	SubscriptionID   string              `json:"subscriptionId,omitempty"`
	ContextResponses []v1ContextResponse `json:"contextResponses"`
	ErrorCode        *v1StatusCode       `json:"errorCode,omitempty"`
}

const v1SubscriptionDuration = "P100Y"

func (d *v1Dialect) Version() string { return pkg.NgsiV1 }

func (d *v1Dialect) TimestampType() string { return model.TimestampTypeV1 }

func (d *v1Dialect) Headers(service, subservice string) http.Header {
	return fiwareHeaders(service, subservice)
}

func v1Attributes(attrs []model.AttributeValue) []v1Attribute {
	out := make([]v1Attribute, 0, len(attrs))
	for _, attr := range attrs {
		a := v1Attribute{Name: attr.Name, Type: attr.Type, Value: stringValue(attr.Value)}
		for name, md := range attr.Metadata {
			a.Metadatas = append(a.Metadatas, v1Metadata{Name: name, Type: md.Type, Value: md.Value})
		}
		out = append(out, a)
	}
	return out
}

func (d *v1Dialect) BuildUpdate(entities []model.Entity, opts UpdateOptions) (*Request, error) {
	if len(entities) == 0 {
		return nil, pkg.NewBadRequest("no entities to update")
	}
	elements := make([]v1ContextElement, 0, len(entities))
	for _, e := range entities {
		if e.Type == "" {
			return nil, pkg.NewTypeNotFound(e.ID, "")
		}
		elements = append(elements, v1ContextElement{Type: e.Type, IsPattern: "false", ID: e.ID, Attributes: v1Attributes(e.Attributes)})
	}
	action := "UPDATE"
	if opts.Append || opts.Upsert {
		action = "APPEND"
	}
	body := map[string]any{"contextElements": elements, "updateAction": action}
	return &Request{Method: http.MethodPost, Path: "/v1/updateContext", Body: body, ContentType: ContentTypeJSON}, nil
}

func (d *v1Dialect) BuildQuery(ref model.EntityRef, attrs []string) (*Request, error) {
	if ref.Type == "" {
		return nil, pkg.NewTypeNotFound(ref.ID, "")
	}
	if attrs == nil {
		attrs = []string{}
	}
	body := map[string]any{
		"entities":   []v1EntityRef{{Type: ref.Type, IsPattern: "false", ID: ref.ID}},
		"attributes": attrs,
	}
	return &Request{Method: http.MethodPost, Path: "/v1/queryContext", Body: body, ContentType: ContentTypeJSON}, nil
}

func (d *v1Dialect) ParseQueryResponse(ref model.EntityRef, body []byte) (model.Entity, error) {
	var doc v1ContextResponses
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return model.Entity{}, err
	}
	if doc.ErrorCode != nil || len(doc.ContextResponses) == 0 {
		return model.Entity{}, pkg.NewDeviceNotFound(ref.ID)
	}
	entity := parseV1Element(doc.ContextResponses[0].ContextElement)
	entity.ID, entity.Type = ref.ID, ref.Type
	return entity, nil
}

func (d *v1Dialect) registrationBody(device *model.Device, opts RegistrationOptions, duration string) map[string]any {
	var attrs []map[string]string
	for _, a := range append(append([]model.Attribute{}, device.Lazy...), device.Commands...) {
		attrs = append(attrs, map[string]string{"name": a.Name, "type": a.Type, "isDomain": "false"})
	}
	body := map[string]any{
		"contextRegistrations": []map[string]any{{
			"entities":             []v1EntityRef{{Type: device.Type, IsPattern: "false", ID: device.Name}},
			"attributes":           attrs,
			"providingApplication": opts.ProviderURL,
		}},
		"duration": duration,
	}
	if device.RegistrationID != "" {
		body["registrationId"] = device.RegistrationID
	}
	if opts.Throttling != "" {
		body["throttling"] = opts.Throttling
	}
	return body
}

func (d *v1Dialect) BuildRegistration(device *model.Device, opts RegistrationOptions) (*Request, error) {
	if !device.NeedsRegistration() {
		return nil, nil
	}
	duration := opts.Duration
	if duration == "" {
		duration = pkg.DefaultRegistrationTime
	}
	return &Request{Method: http.MethodPost, Path: "/NGSI9/registerContext", Body: d.registrationBody(device, opts, duration), ContentType: ContentTypeJSON}, nil
}

// BuildUnregistration v1 没有删除接口，以 PT1S 的注册时长使其失效
func (d *v1Dialect) BuildUnregistration(device *model.Device, opts RegistrationOptions) (*Request, error) {
	if device.RegistrationID == "" {
		return nil, nil
	}
	return &Request{Method: http.MethodPost, Path: "/NGSI9/registerContext", Body: d.registrationBody(device, opts, "PT1S"), ContentType: ContentTypeJSON}, nil
}

func (d *v1Dialect) RegistrationID(resp *Response) string {
	var doc struct {
		RegistrationID string `json:"registrationId"`
	}
	if err := decode(resp.Body, &doc); err != nil {
		return ""
	}
	return doc.RegistrationID
}

func (d *v1Dialect) BuildSubscription(device *model.Device, triggers, content []string, providerURL string) (*Request, error) {
	body := map[string]any{
		"entities":   []v1EntityRef{{Type: device.Type, IsPattern: "false", ID: device.Name}},
		"attributes": content,
		"reference":  providerURL + "/notify",
		"duration":   v1SubscriptionDuration,
		"notifyConditions": []map[string]any{{
			"type":       "ONCHANGE",
			"condValues": triggers,
		}},
	}
	return &Request{Method: http.MethodPost, Path: "/v1/subscribeContext", Body: body, ContentType: ContentTypeJSON}, nil
}

func (d *v1Dialect) BuildUnsubscription(_ *model.Device, id string) (*Request, error) {
	return &Request{Method: http.MethodPost, Path: "/v1/unsubscribeContext", Body: map[string]string{"subscriptionId": id}, ContentType: ContentTypeJSON}, nil
}

func (d *v1Dialect) SubscriptionID(resp *Response) string {
	var doc struct {
		SubscribeResponse struct {
			SubscriptionID string `json:"subscriptionId"`
		} `json:"subscribeResponse"`
	}
	if err := decode(resp.Body, &doc); err != nil {
		return ""
	}
	return doc.SubscribeResponse.SubscriptionID
}

func (d *v1Dialect) ParseNotification(body []byte) ([]model.Entity, error) {
	var doc struct {
		ContextResponses []v1ContextResponse `json:"contextResponses"`
		ContextElements  []v1ContextElement  `json:"contextElements"`
	}
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return nil, err
	}
	var out []model.Entity
	for _, r := range doc.ContextResponses {
		out = append(out, parseV1Element(r.ContextElement))
	}
	for _, e := range doc.ContextElements {
		out = append(out, parseV1Element(e))
	}
	if out == nil {
		return nil, pkg.NewWrongSyntax(string(body))
	}
	return out, nil
}

func (d *v1Dialect) ParseQueryRequest(body []byte) ([]model.EntityRef, []string, error) {
	var doc struct {
		Entities   []v1EntityRef `json:"entities"`
		Attributes []string      `json:"attributes"`
	}
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return nil, nil, err
	}
	if len(doc.Entities) == 0 {
		return nil, nil, pkg.NewMissingAttributes("entities")
	}
	refs := make([]model.EntityRef, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		refs = append(refs, model.EntityRef{ID: e.ID, Type: e.Type})
	}
	return refs, doc.Attributes, nil
}

func (d *v1Dialect) BuildQueryResponse(entities []model.Entity) (any, error) {
	responses := make([]v1ContextResponse, 0, len(entities))
	for _, e := range entities {
		responses = append(responses, v1ContextResponse{
			ContextElement: v1ContextElement{Type: e.Type, IsPattern: "false", ID: e.ID, Attributes: v1Attributes(e.Attributes)},
			StatusCode:     v1StatusCode{Code: 200, ReasonPhrase: "OK"},
		})
	}
	return v1ContextResponses{ContextResponses: responses}, nil
}

// CheckResponse v1 以 200 返回，错误放在 statusCode / errorCode 中
func (d *v1Dialect) CheckResponse(op Operation, ref model.EntityRef, resp *Response) error {
	if err := orionError(resp); err != nil {
		return err
	}
	if err := checkStatus(op, ref, resp, http.StatusOK); err != nil {
		return err
	}
	if op != OpUpdate && op != OpUpsert && op != OpQuery && op != OpUnsubscribe {
		return nil
	}
	var doc struct {
		ContextResponses []v1ContextResponse `json:"contextResponses"`
		ErrorCode        *v1StatusCode       `json:"errorCode"`
		StatusCode       *v1StatusCode       `json:"statusCode"`
	}
	if err := decode(resp.Body, &doc); err != nil {
		return pkg.NewEntityGenericError(ref.ID, ref.Type, resp.StatusCode, string(resp.Body))
	}
	statuses := make([]v1StatusCode, 0, len(doc.ContextResponses)+2)
	if doc.ErrorCode != nil {
		statuses = append(statuses, *doc.ErrorCode)
	}
	if doc.StatusCode != nil {
		statuses = append(statuses, *doc.StatusCode)
	}
	for _, r := range doc.ContextResponses {
		statuses = append(statuses, r.StatusCode)
	}
	for _, s := range statuses {
		code := statusCodeInt(s.Code)
		if code == http.StatusOK || code == 0 {
			continue
		}
		if code == http.StatusNotFound && (op == OpQuery || op == OpUpdate) {
			return pkg.NewDeviceNotFound(ref.ID)
		}
		return pkg.NewEntityGenericError(ref.ID, ref.Type, code, s)
	}
	return nil
}

func statusCodeInt(code any) int {
	switch c := code.(type) {
	case string:
		n, _ := strconv.Atoi(c)
		return n
	case float64:
		return int(c)
	case int:
		return c
	}
	return 0
}

func parseV1Element(e v1ContextElement) model.Entity {
	entity := model.Entity{ID: e.ID, Type: e.Type}
	for _, a := range e.Attributes {
		attr := model.AttributeValue{Name: a.Name, Type: a.Type, Value: a.Value}
		if len(a.Metadatas) > 0 {
			attr.Metadata = make(map[string]model.Metadata, len(a.Metadatas))
			for _, md := range a.Metadatas {
				attr.Metadata[md.Name] = model.Metadata{Type: md.Type, Value: md.Value}
			}
		}
		entity.Attributes = append(entity.Attributes, attr)
	}
	return entity
}
