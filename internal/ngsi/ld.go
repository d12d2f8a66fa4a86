package ngsi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

const (
	// LDURNPrefix NGSI-LD 实体 id 前缀
	LDURNPrefix = "urn:ngsi-ld:"
	// LDNull merge-patch 中显式置空的哨兵值
	LDNull = "urn:ngsi-ld:null"

	ldProperty     = "Property"
	ldGeoProperty  = "GeoProperty"
	ldRelationship = "Relationship"
)

// ldIntangibleNull 数值无法解析时的占位值
var ldIntangibleNull = map[string]any{"@type": "Intangible", "@value": nil}

type ldDialect struct {
	context string
}

func (d *ldDialect) Version() string { return pkg.NgsiLD }

func (d *ldDialect) TimestampType() string { return model.TimestampTypeV2 }

func (d *ldDialect) Headers(service, subservice string) http.Header {
	h := fiwareHeaders(service, subservice)
	if service != "" {
		h.Set(HeaderLDTenant, service)
	}
	if subservice != "" {
		h.Set(HeaderLDPath, subservice)
	}
	return h
}

// LDEntityID 非 URN 的 id 加上 urn:ngsi-ld:<type>: 前缀
func LDEntityID(id, typ string) string {
	if strings.HasPrefix(id, LDURNPrefix) {
		return id
	}
	return LDURNPrefix + typ + ":" + id
}

// convertAttribute 将 NGSIv2 风格的属性转换为 LD 的 Property / GeoProperty / Relationship
func (d *ldDialect) convertAttribute(attr model.AttributeValue, merge bool) (map[string]any, error) {
	obj := map[string]any{"type": ldProperty, "value": attr.Value}
	if merge && attr.Value == nil {
		obj["value"] = LDNull
		return obj, nil
	}
	typ := strings.ToLower(attr.Type)
	switch typ {
	case "property", "string", "text", "":
	case "boolean":
		obj["value"] = truthy(attr.Value)
	case "float", "integer", "number":
		obj["value"] = ldNumber(typ, attr.Value)
	case "datetime":
		obj["value"] = map[string]any{"@type": "DateTime", "@value": ldTime(attr.Value, "2006-01-02T15:04:05.000Z")}
	case "date":
		obj["value"] = map[string]any{"@type": "Date", "@value": ldTime(attr.Value, "2006-01-02")}
	case "time":
		obj["value"] = map[string]any{"@type": "Time", "@value": ldTime(attr.Value, "15:04:05")}
	case "relationship":
		obj["type"] = ldRelationship
		obj["object"] = attr.Value
		delete(obj, "value")
	default:
		if shape, ok := geoShape(typ); ok {
			geo, err := GeoJSON(shape, attr.Value)
			if err != nil {
				return nil, err
			}
			obj["type"] = ldGeoProperty
			obj["value"] = geo
		} else if typ == "geo:json" {
			obj["type"] = ldGeoProperty
		} else {
			obj["value"] = map[string]any{"@type": attr.Type, "@value": attr.Value}
		}
	}
	for name, md := range attr.Metadata {
		switch name {
		case model.TimeInstant:
			if t, ok := ParseTimestamp(md.Value); ok {
				obj["observedAt"] = t.UTC().Format("2006-01-02T15:04:05.000Z")
			} else {
				obj["observedAt"] = DateTimeDefault
			}
		case "unitCode":
			obj["unitCode"] = md.Value
		default:
			nested, err := d.convertAttribute(model.AttributeValue{Name: name, Type: md.Type, Value: md.Value}, false)
			if err != nil {
				return nil, err
			}
			obj[name] = nested
		}
	}
	return obj, nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
		return b != ""
	case nil:
		return false
	}
	f, ok := toFloat(v)
	return !ok || f != 0
}

func ldNumber(typ string, v any) any {
	switch v.(type) {
	case float64, int, int64, float32, int32:
		return v
	}
	s, ok := v.(string)
	if !ok {
		return ldIntangibleNull
	}
	s = strings.TrimSpace(s)
	if typ == "integer" || (typ == "number" && !strings.Contains(s, ".")) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return ldIntangibleNull
}

func ldTime(v any, layout string) any {
	if t, ok := ParseTimestamp(v); ok {
		return t.UTC().Format(layout)
	}
	return v
}

func (d *ldDialect) formatEntity(entity model.Entity, merge bool) (map[string]any, error) {
	if entity.Type == "" {
		return nil, pkg.NewTypeNotFound(entity.ID, "")
	}
	doc := map[string]any{
		"@context": d.context,
		"id":       LDEntityID(entity.ID, entity.Type),
		"type":     entity.Type,
	}
	for _, attr := range entity.Attributes {
		// TimeInstant 以 observedAt 体现，不作为顶层属性
		if attr.Name == model.TimeInstant {
			continue
		}
		if attr.Name == "" {
			return nil, pkg.NewBadRequest("attribute without name in entity " + entity.ID)
		}
		converted, err := d.convertAttribute(attr, merge)
		if err != nil {
			return nil, err
		}
		doc[attr.Name] = converted
	}
	return doc, nil
}

func (d *ldDialect) BuildUpdate(entities []model.Entity, opts UpdateOptions) (*Request, error) {
	if len(entities) == 0 {
		return nil, pkg.NewBadRequest("no entities to update")
	}
	// 单实体带显式 nil 值时走 merge-patch，upsert 无法表达置空
	if len(entities) == 1 && (opts.Merge || hasNullValue(entities[0])) {
		doc, err := d.formatEntity(entities[0], true)
		if err != nil {
			return nil, err
		}
		id := doc["id"].(string)
		delete(doc, "id")
		delete(doc, "type")
		return &Request{Method: http.MethodPatch, Path: "/ngsi-ld/v1/entities/" + url.PathEscape(id), Body: doc, ContentType: ContentTypeJSONLD}, nil
	}
	docs := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		doc, err := d.formatEntity(e, false)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	query := url.Values{}
	if !opts.Upsert {
		query.Set("options", "update")
	}
	return &Request{Method: http.MethodPost, Path: "/ngsi-ld/v1/entityOperations/upsert/", Query: query, Body: docs, ContentType: ContentTypeJSONLD}, nil
}

func hasNullValue(entity model.Entity) bool {
	for _, attr := range entity.Attributes {
		if attr.Value == nil {
			return true
		}
	}
	return false
}

func (d *ldDialect) BuildQuery(ref model.EntityRef, attrs []string) (*Request, error) {
	if ref.Type == "" {
		return nil, pkg.NewTypeNotFound(ref.ID, "")
	}
	query := url.Values{}
	if len(attrs) > 0 {
		query.Set("attrs", strings.Join(attrs, ","))
	}
	query.Set("type", ref.Type)
	return &Request{Method: http.MethodGet, Path: "/ngsi-ld/v1/entities/" + url.PathEscape(LDEntityID(ref.ID, ref.Type)), Query: query}, nil
}

func (d *ldDialect) ParseQueryResponse(ref model.EntityRef, body []byte) (model.Entity, error) {
	var doc map[string]any
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return model.Entity{}, err
	}
	entity := parseLDEntity(doc)
	entity.ID, entity.Type = ref.ID, ref.Type
	return entity, nil
}

func (d *ldDialect) BuildRegistration(device *model.Device, opts RegistrationOptions) (*Request, error) {
	if !device.NeedsRegistration() {
		return nil, nil
	}
	body := map[string]any{
		"@context": d.context,
		"type":     "ContextSourceRegistration",
		"information": []map[string]any{{
			"entities":   []model.EntityRef{{ID: LDEntityID(device.Name, device.Type), Type: device.Type}},
			"properties": append(model.AttributeNames(device.Lazy), model.AttributeNames(device.Commands)...),
		}},
		"endpoint": opts.ProviderURL,
	}
	return &Request{Method: http.MethodPost, Path: "/ngsi-ld/v1/csourceRegistrations/", Body: body, ContentType: ContentTypeJSONLD}, nil
}

func (d *ldDialect) BuildUnregistration(device *model.Device, _ RegistrationOptions) (*Request, error) {
	if device.RegistrationID == "" {
		return nil, nil
	}
	return &Request{Method: http.MethodDelete, Path: "/ngsi-ld/v1/csourceRegistrations/" + url.PathEscape(device.RegistrationID)}, nil
}

func (d *ldDialect) RegistrationID(resp *Response) string {
	return lastPathSegment(resp.Header.Get("Location"))
}

func (d *ldDialect) BuildSubscription(device *model.Device, triggers, content []string, providerURL string) (*Request, error) {
	body := map[string]any{
		"@context":          d.context,
		"type":              "Subscription",
		"entities":          []model.EntityRef{{ID: LDEntityID(device.Name, device.Type), Type: device.Type}},
		"watchedAttributes": triggers,
		"notification": map[string]any{
			"attributes": content,
			"format":     "normalized",
			"endpoint": map[string]string{
				"uri":    providerURL + "/notify",
				"accept": ContentTypeJSON,
			},
		},
	}
	return &Request{Method: http.MethodPost, Path: "/ngsi-ld/v1/subscriptions/", Body: body, ContentType: ContentTypeJSONLD}, nil
}

func (d *ldDialect) BuildUnsubscription(_ *model.Device, id string) (*Request, error) {
	return &Request{Method: http.MethodDelete, Path: "/ngsi-ld/v1/subscriptions/" + url.PathEscape(id)}, nil
}

func (d *ldDialect) SubscriptionID(resp *Response) string {
	return lastPathSegment(resp.Header.Get("Location"))
}

func (d *ldDialect) ParseNotification(body []byte) ([]model.Entity, error) {
	trimmed := bytes.TrimSpace(body)
	var docs []map[string]any
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := decodeWrongSyntax(trimmed, &docs); err != nil {
			return nil, err
		}
	} else {
		var doc map[string]any
		if err := decodeWrongSyntax(trimmed, &doc); err != nil {
			return nil, err
		}
		if data, ok := doc["data"].([]any); ok {
			for _, item := range data {
				if m, ok := item.(map[string]any); ok {
					docs = append(docs, m)
				}
			}
		} else if _, ok := doc["id"]; ok {
			docs = append(docs, doc)
		} else {
			return nil, pkg.NewWrongSyntax(string(body))
		}
	}
	out := make([]model.Entity, 0, len(docs))
	for _, doc := range docs {
		out = append(out, parseLDEntity(doc))
	}
	return out, nil
}

func (d *ldDialect) ParseQueryRequest(body []byte) ([]model.EntityRef, []string, error) {
	var doc struct {
		Entities []model.EntityRef `json:"entities"`
		Attrs    []string          `json:"attrs"`
	}
	if err := decodeWrongSyntax(body, &doc); err != nil {
		return nil, nil, err
	}
	if len(doc.Entities) == 0 {
		return nil, nil, pkg.NewMissingAttributes("entities")
	}
	return doc.Entities, doc.Attrs, nil
}

func (d *ldDialect) BuildQueryResponse(entities []model.Entity) (any, error) {
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		doc, err := d.formatEntity(e, false)
		if err != nil {
			return nil, fmt.Errorf("构造实体 %s 的查询响应失败: %w", e.ID, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (d *ldDialect) CheckResponse(op Operation, ref model.EntityRef, resp *Response) error {
	switch op {
	case OpUpdate, OpUpsert:
		return checkStatus(op, ref, resp, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	case OpQuery:
		return checkStatus(op, ref, resp, http.StatusOK)
	case OpRegister, OpSubscribe:
		return checkStatus(op, ref, resp, http.StatusCreated)
	default:
		return checkStatus(op, ref, resp, http.StatusNoContent)
	}
}

func parseLDEntity(doc map[string]any) model.Entity {
	entity := model.Entity{}
	entity.ID, _ = doc["id"].(string)
	entity.Type, _ = doc["type"].(string)
	names := make([]string, 0, len(doc))
	for name := range doc {
		switch name {
		case "id", "type", "@context":
		default:
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		entity.Attributes = append(entity.Attributes, parseLDAttribute(name, doc[name]))
	}
	return entity
}

// parseLDAttribute 反向还原属性类型；无类型信息时按 JSON 值推断
func parseLDAttribute(name string, raw any) model.AttributeValue {
	attr := model.AttributeValue{Name: name}
	obj, ok := raw.(map[string]any)
	if !ok {
		attr.Type, attr.Value = inferType(raw), raw
		return attr
	}
	kind, _ := obj["type"].(string)
	switch kind {
	case ldRelationship:
		attr.Type, attr.Value = "Relationship", obj["object"]
	case ldGeoProperty:
		attr.Type, attr.Value = "geo:json", obj["value"]
	default:
		value := obj["value"]
		if s, ok := value.(string); ok && s == LDNull {
			value = nil
		}
		if typed, ok := value.(map[string]any); ok {
			if t, ok := typed["@type"].(string); ok {
				attr.Type, attr.Value = t, typed["@value"]
				break
			}
		}
		attr.Type, attr.Value = inferType(value), value
	}
	for key, v := range obj {
		switch key {
		case "type", "value", "object":
		case "observedAt":
			attr.Metadata = setMetadata(attr.Metadata, model.TimeInstant, model.Metadata{Type: model.TimestampTypeV2, Value: v})
		case "unitCode":
			attr.Metadata = setMetadata(attr.Metadata, "unitCode", model.Metadata{Type: "Text", Value: v})
		default:
			nested := parseLDAttribute(key, v)
			attr.Metadata = setMetadata(attr.Metadata, key, model.Metadata{Type: nested.Type, Value: nested.Value})
		}
	}
	return attr
}

func setMetadata(md map[string]model.Metadata, name string, value model.Metadata) map[string]model.Metadata {
	if md == nil {
		md = map[string]model.Metadata{}
	}
	md[name] = value
	return md
}

func inferType(v any) string {
	switch v.(type) {
	case string:
		return "Text"
	case bool:
		return "Boolean"
	case float64, float32, int, int64:
		return "Number"
	case nil:
		return "None"
	}
	return "StructuredValue"
}
