package ngsi

import (
	"bytes"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

type v2Dialect struct {
	autocast bool
}

type v2Attribute struct {
	Type     string                    `json:"type,omitempty"`
	Value    any                       `json:"value"`
	Metadata map[string]model.Metadata `json:"metadata,omitempty"`
}

type v2BatchUpdate struct {
	ActionType string           `json:"actionType"`
	Entities   []map[string]any `json:"entities"`
}

func (d *v2Dialect) Version() string { return pkg.NgsiV2 }

func (d *v2Dialect) TimestampType() string { return model.TimestampTypeV2 }

func (d *v2Dialect) Headers(service, subservice string) http.Header {
	return fiwareHeaders(service, subservice)
}

// formatAttribute 自动类型转换与地理坐标归一化
func (d *v2Dialect) formatAttribute(attr model.AttributeValue) (v2Attribute, error) {
	if d.autocast {
		var err error
		if attr, err = Autocast(attr); err != nil {
			return v2Attribute{}, err
		}
	}
	out := v2Attribute{Type: attr.Type, Value: attr.Value, Metadata: attr.Metadata}
	shape, isGeo := geoShape(attr.Type)
	if strings.EqualFold(attr.Type, "geo:json") {
		if _, ok := attr.Value.(string); ok {
			shape, isGeo = "Point", true
		}
	}
	if isGeo {
		geo, err := GeoJSON(shape, attr.Value)
		if err != nil {
			return out, err
		}
		out.Type = "geo:json"
		out.Value = geo
	}
	return out, nil
}

func (d *v2Dialect) formatEntity(entity model.Entity) (map[string]any, error) {
	if entity.Type == "" {
		return nil, pkg.NewTypeNotFound(entity.ID, "")
	}
	doc := map[string]any{"id": entity.ID, "type": entity.Type}
	for _, attr := range entity.Attributes {
		if attr.Name == "" {
			return nil, pkg.NewBadRequest("attribute without name in entity " + entity.ID)
		}
		formatted, err := d.formatAttribute(attr)
		if err != nil {
			return nil, err
		}
		doc[attr.Name] = formatted
	}
	return doc, nil
}

func (d *v2Dialect) BuildUpdate(entities []model.Entity, opts UpdateOptions) (*Request, error) {
	if len(entities) == 0 {
		return nil, pkg.NewBadRequest("no entities to update")
	}
	docs := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		doc, err := d.formatEntity(e)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	query := url.Values{}
	if opts.Upsert && len(docs) == 1 {
		options := []string{"upsert"}
		if opts.FlowControl {
			options = append(options, "flowControl")
		}
		query.Set("options", strings.Join(options, ","))
		return &Request{Method: http.MethodPost, Path: "/v2/entities", Query: query, Body: docs[0], ContentType: ContentTypeJSON}, nil
	}
	if opts.FlowControl {
		query.Set("options", "flowControl")
	}
	action := "update"
	if opts.Append || opts.Upsert {
		action = "append"
	}
	return &Request{
		Method:      http.MethodPost,
		Path:        "/v2/op/update",
		Query:       query,
		Body:        v2BatchUpdate{ActionType: action, Entities: docs},
		ContentType: ContentTypeJSON,
	}, nil
}

func (d *v2Dialect) BuildQuery(ref model.EntityRef, attrs []string) (*Request, error) {
	if ref.Type == "" {
		return nil, pkg.NewTypeNotFound(ref.ID, "")
	}
	query := url.Values{}
	if len(attrs) > 0 {
		query.Set("attrs", strings.Join(attrs, ","))
	}
	query.Set("type", ref.Type)
	return &Request{Method: http.MethodGet, Path: "/v2/entities/" + url.PathEscape(ref.ID) + "/attrs", Query: query}, nil
}

func (d *v2Dialect) ParseQueryResponse(ref model.EntityRef, body []byte) (model.Entity, error) {
	var doc map[string]any
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return model.Entity{}, err
	}
	doc["id"] = ref.ID
	doc["type"] = ref.Type
	return parseV2Entity(doc), nil
}

func (d *v2Dialect) BuildRegistration(device *model.Device, opts RegistrationOptions) (*Request, error) {
	if !device.NeedsRegistration() {
		return nil, nil
	}
	attrs := append(model.AttributeNames(device.Lazy), model.AttributeNames(device.Commands)...)
	body := map[string]any{
		"dataProvided": map[string]any{
			"entities": []model.EntityRef{{ID: device.Name, Type: device.Type}},
			"attrs":    attrs,
		},
		"provider": map[string]any{
			"http":             map[string]string{"url": opts.ProviderURL},
			"legacyForwarding": true,
		},
	}
	return &Request{Method: http.MethodPost, Path: "/v2/registrations", Body: body, ContentType: ContentTypeJSON}, nil
}

func (d *v2Dialect) BuildUnregistration(device *model.Device, _ RegistrationOptions) (*Request, error) {
	if device.RegistrationID == "" {
		return nil, nil
	}
	return &Request{Method: http.MethodDelete, Path: "/v2/registrations/" + url.PathEscape(device.RegistrationID)}, nil
}

func (d *v2Dialect) RegistrationID(resp *Response) string {
	return lastPathSegment(resp.Header.Get("Location"))
}

func (d *v2Dialect) BuildSubscription(device *model.Device, triggers, content []string, providerURL string) (*Request, error) {
	body := map[string]any{
		"subject": map[string]any{
			"entities":  []model.EntityRef{{ID: device.Name, Type: device.Type}},
			"condition": map[string]any{"attrs": triggers},
		},
		"notification": map[string]any{
			"http":        map[string]string{"url": providerURL + "/notify"},
			"attrs":       content,
			"attrsFormat": "normalized",
		},
	}
	return &Request{Method: http.MethodPost, Path: "/v2/subscriptions", Body: body, ContentType: ContentTypeJSON}, nil
}

func (d *v2Dialect) BuildUnsubscription(_ *model.Device, id string) (*Request, error) {
	return &Request{Method: http.MethodDelete, Path: "/v2/subscriptions/" + url.PathEscape(id)}, nil
}

func (d *v2Dialect) SubscriptionID(resp *Response) string {
	return lastPathSegment(resp.Header.Get("Location"))
}

func (d *v2Dialect) ParseNotification(body []byte) ([]model.Entity, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []map[string]any
		if err := decodeWrongSyntax(trimmed, &docs); err != nil {
			return nil, err
		}
		return parseV2Entities(docs), nil
	}
	var doc struct {
		Data     []map[string]any `json:"data"`
		Entities []map[string]any `json:"entities"`
	}
	if err := decodeWrongSyntax(trimmed, &doc); err != nil {
		return nil, err
	}
	if doc.Data != nil {
		return parseV2Entities(doc.Data), nil
	}
	if doc.Entities != nil {
		return parseV2Entities(doc.Entities), nil
	}
	var single map[string]any
	if err := decodeWrongSyntax(trimmed, &single); err != nil {
		return nil, err
	}
	if _, ok := single["id"]; !ok {
		return nil, pkg.NewWrongSyntax(string(body))
	}
	return []model.Entity{parseV2Entity(single)}, nil
}

func (d *v2Dialect) ParseQueryRequest(body []byte) ([]model.EntityRef, []string, error) {
	var doc struct {
		Entities   []model.EntityRef `json:"entities"`
		Attrs      []string          `json:"attrs"`
		Attributes []string          `json:"attributes"`
	}
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return nil, nil, err
	}
	if len(doc.Entities) == 0 {
		return nil, nil, pkg.NewMissingAttributes("entities")
	}
	attrs := doc.Attrs
	if len(attrs) == 0 {
		attrs = doc.Attributes
	}
	return doc.Entities, attrs, nil
}

func (d *v2Dialect) BuildQueryResponse(entities []model.Entity) (any, error) {
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		doc := map[string]any{"id": e.ID, "type": e.Type}
		for _, attr := range e.Attributes {
			doc[attr.Name] = v2Attribute{Type: attr.Type, Value: attr.Value, Metadata: attr.Metadata}
		}
		out = append(out, doc)
	}
	return out, nil
}

func (d *v2Dialect) CheckResponse(op Operation, ref model.EntityRef, resp *Response) error {
	if err := orionError(resp); err != nil {
		return err
	}
	switch op {
	case OpUpdate:
		return checkStatus(op, ref, resp, http.StatusNoContent)
	case OpUpsert:
		return checkStatus(op, ref, resp, http.StatusCreated, http.StatusNoContent)
	case OpQuery:
		return checkStatus(op, ref, resp, http.StatusOK)
	case OpRegister, OpSubscribe:
		return checkStatus(op, ref, resp, http.StatusCreated)
	default:
		return checkStatus(op, ref, resp, http.StatusNoContent)
	}
}

// orionError 兼容 broker 以 orionError 描述的错误
func orionError(resp *Response) error {
	if len(resp.Body) == 0 || !bytes.Contains(resp.Body, []byte("orionError")) {
		return nil
	}
	var doc struct {
		OrionError *struct {
			Code    string `json:"code"`
			Details string `json:"details"`
		} `json:"orionError"`
	}
	if err := decode(resp.Body, &doc); err != nil || doc.OrionError == nil {
		return nil
	}
	return pkg.NewBadRequest(doc.OrionError.Details)
}

func parseV2Entities(docs []map[string]any) []model.Entity {
	out := make([]model.Entity, 0, len(docs))
	for _, doc := range docs {
		out = append(out, parseV2Entity(doc))
	}
	return out
}

// parseV2Entity 解析 normalized 格式实体；非对象属性按 keyValues 处理
func parseV2Entity(doc map[string]any) model.Entity {
	entity := model.Entity{}
	entity.ID, _ = doc["id"].(string)
	entity.Type, _ = doc["type"].(string)
	names := make([]string, 0, len(doc))
	for name := range doc {
		if name != "id" && name != "type" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		attr := model.AttributeValue{Name: name}
		raw, ok := doc[name].(map[string]any)
		if !ok {
			attr.Value = doc[name]
			entity.Attributes = append(entity.Attributes, attr)
			continue
		}
		attr.Type, _ = raw["type"].(string)
		attr.Value = raw["value"]
		if md, ok := raw["metadata"].(map[string]any); ok && len(md) > 0 {
			attr.Metadata = parseV2Metadata(md)
		}
		entity.Attributes = append(entity.Attributes, attr)
	}
	return entity
}

func parseV2Metadata(raw map[string]any) map[string]model.Metadata {
	out := make(map[string]model.Metadata, len(raw))
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			out[name] = model.Metadata{Value: v}
			continue
		}
		typ, _ := m["type"].(string)
		out[name] = model.Metadata{Type: typ, Value: m["value"]}
	}
	return out
}
