package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// sameService service 大小写不敏感，空字符串匹配任意值
func sameService(stored, wanted string) bool {
	return wanted == "" || strings.EqualFold(stored, wanted)
}

func sameSubservice(stored, wanted string) bool {
	return wanted == "" || stored == wanted
}

// deviceField 读取可用于 FindByAttribute 的设备字段
func deviceField(d *model.Device, field string) (string, bool) {
	switch field {
	case "id":
		return d.ID, true
	case "name":
		return d.Name, true
	case "type":
		return d.Type, true
	case "apikey":
		return d.Apikey, true
	case "resource":
		return d.Resource, true
	case "internalId":
		return d.InternalID, true
	case "protocol":
		return d.Protocol, true
	case "transport":
		return d.Transport, true
	case "endpoint":
		return d.Endpoint, true
	case "registrationId":
		return d.RegistrationID, true
	}
	return "", false
}

type deviceEntry struct {
	seq    uint64
	device model.Device
}

type deviceKey struct {
	service, subservice, id string
}

func newDeviceKey(service, subservice, id string) deviceKey {
	return deviceKey{service: strings.ToLower(service), subservice: subservice, id: id}
}

// MemoryDeviceRegistry 进程内设备注册表
type MemoryDeviceRegistry struct {
	mu      sync.RWMutex
	seq     uint64
	devices map[deviceKey]*deviceEntry
}

// NewMemoryDeviceRegistry 创建内存设备注册表
func NewMemoryDeviceRegistry() *MemoryDeviceRegistry {
	return &MemoryDeviceRegistry{devices: map[deviceKey]*deviceEntry{}}
}

func (r *MemoryDeviceRegistry) Create(_ context.Context, device *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := newDeviceKey(device.Service, device.Subservice, device.ID)
	if _, ok := r.devices[key]; ok {
		return pkg.NewDuplicateDeviceID(device.ID)
	}
	if device.CreationDate.IsZero() {
		device.CreationDate = time.Now().UTC()
	}
	r.seq++
	r.devices[key] = &deviceEntry{seq: r.seq, device: device.Clone()}
	return nil
}

func (r *MemoryDeviceRegistry) Get(_ context.Context, id, service, subservice string) (*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if service != "" && subservice != "" {
		if e, ok := r.devices[newDeviceKey(service, subservice, id)]; ok {
			d := e.device.Clone()
			return &d, nil
		}
		return nil, pkg.NewDeviceNotFound(id)
	}
	for _, e := range r.sorted() {
		if e.device.ID == id && sameService(e.device.Service, service) && sameSubservice(e.device.Subservice, subservice) {
			d := e.device.Clone()
			return &d, nil
		}
	}
	return nil, pkg.NewDeviceNotFound(id)
}

func (r *MemoryDeviceRegistry) GetByName(_ context.Context, name, service, subservice string) (*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sorted() {
		if e.device.Name == name && sameService(e.device.Service, service) && sameSubservice(e.device.Subservice, subservice) {
			d := e.device.Clone()
			return &d, nil
		}
	}
	return nil, pkg.NewDeviceNotFound(name)
}

func (r *MemoryDeviceRegistry) Update(_ context.Context, device *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[newDeviceKey(device.Service, device.Subservice, device.ID)]
	if !ok {
		return pkg.NewDeviceNotFound(device.ID)
	}
	e.device = device.Clone()
	return nil
}

func (r *MemoryDeviceRegistry) Remove(_ context.Context, id, service, subservice string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := newDeviceKey(service, subservice, id)
	if _, ok := r.devices[key]; !ok {
		return pkg.NewDeviceNotFound(id)
	}
	delete(r.devices, key)
	return nil
}

func (r *MemoryDeviceRegistry) List(_ context.Context, service, subservice string, limit, offset int) (*model.DeviceList, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []model.Device
	for _, e := range r.sorted() {
		if sameService(e.device.Service, service) && sameSubservice(e.device.Subservice, subservice) {
			matched = append(matched, e.device.Clone())
		}
	}
	return &model.DeviceList{Count: int64(len(matched)), Devices: paginate(matched, limit, offset)}, nil
}

func (r *MemoryDeviceRegistry) FindByAttribute(_ context.Context, field, value, service, subservice string) ([]model.Device, error) {
	if _, ok := deviceField(&model.Device{}, field); !ok {
		return nil, pkg.NewBadRequest("unknown device field " + field)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Device
	for _, e := range r.sorted() {
		v, _ := deviceField(&e.device, field)
		if v == value && sameService(e.device.Service, service) && sameSubservice(e.device.Subservice, subservice) {
			out = append(out, e.device.Clone())
		}
	}
	return out, nil
}

func (r *MemoryDeviceRegistry) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = map[deviceKey]*deviceEntry{}
	return nil
}

// sorted 按插入顺序返回，调用方持有锁
func (r *MemoryDeviceRegistry) sorted() []*deviceEntry {
	out := make([]*deviceEntry, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MemoryGroupRegistry 进程内配置组注册表，id 为递增计数
type MemoryGroupRegistry struct {
	mu     sync.RWMutex
	seq    uint64
	groups []model.Group
}

// NewMemoryGroupRegistry 创建内存配置组注册表
func NewMemoryGroupRegistry() *MemoryGroupRegistry {
	return &MemoryGroupRegistry{}
}

func (r *MemoryGroupRegistry) Create(_ context.Context, group *model.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.groups {
		if g.Resource == group.Resource && g.Apikey == group.Apikey {
			return pkg.NewDuplicateGroup(group.Resource, group.Apikey)
		}
	}
	r.seq++
	group.ID = strconv.FormatUint(r.seq, 10)
	r.groups = append(r.groups, group.Clone())
	return nil
}

func (r *MemoryGroupRegistry) Get(_ context.Context, resource, apikey string) (*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.Resource == resource && g.Apikey == apikey {
			out := g.Clone()
			return &out, nil
		}
	}
	return nil, pkg.NewDeviceGroupNotFound([]string{"resource", "apikey"}, []string{resource, apikey})
}

func (r *MemoryGroupRegistry) GetByID(_ context.Context, id string) (*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.index(id); i >= 0 {
		out := r.groups[i].Clone()
		return &out, nil
	}
	return nil, pkg.NewDeviceGroupNotFound([]string{"_id"}, []string{id})
}

func (r *MemoryGroupRegistry) Update(_ context.Context, id string, group *model.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return pkg.NewDeviceGroupNotFound([]string{"_id"}, []string{id})
	}
	for j, g := range r.groups {
		if j != i && g.Resource == group.Resource && g.Apikey == group.Apikey {
			return pkg.NewDuplicateGroup(group.Resource, group.Apikey)
		}
	}
	updated := group.Clone()
	updated.ID = id
	r.groups[i] = updated
	return nil
}

func (r *MemoryGroupRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return pkg.NewDeviceGroupNotFound([]string{"_id"}, []string{id})
	}
	r.groups = append(r.groups[:i], r.groups[i+1:]...)
	return nil
}

func (r *MemoryGroupRegistry) List(_ context.Context, service string, limit, offset int) (*model.GroupList, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []model.Group
	for _, g := range r.groups {
		if sameService(g.Service, service) {
			matched = append(matched, g.Clone())
		}
	}
	return &model.GroupList{Count: int64(len(matched)), Groups: paginate(matched, limit, offset)}, nil
}

func (r *MemoryGroupRegistry) Find(ctx context.Context, service, subservice string) (*model.Group, error) {
	return r.FindBy(ctx, []string{"service", "subservice"}, []string{service, subservice})
}

func (r *MemoryGroupRegistry) FindBy(_ context.Context, fields, values []string) (*model.Group, error) {
	if len(fields) != len(values) {
		return nil, pkg.NewBadRequest("fields and values must have the same length")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if groupMatches(&g, fields, values) {
			out := g.Clone()
			return &out, nil
		}
	}
	return nil, pkg.NewDeviceGroupNotFound(fields, values)
}

func (r *MemoryGroupRegistry) FindType(ctx context.Context, service, subservice, typ string) (*model.Group, error) {
	return r.FindBy(ctx, []string{"service", "subservice", "type"}, []string{service, subservice, typ})
}

func (r *MemoryGroupRegistry) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = nil
	return nil
}

func (r *MemoryGroupRegistry) index(id string) int {
	for i := range r.groups {
		if r.groups[i].ID == id {
			return i
		}
	}
	return -1
}

func groupMatches(g *model.Group, fields, values []string) bool {
	for i, field := range fields {
		v, ok := g.GroupField(field)
		if !ok {
			return false
		}
		if field == "service" {
			if !strings.EqualFold(v, values[i]) {
				return false
			}
			continue
		}
		if v != values[i] {
			return false
		}
	}
	return true
}

type commandKey struct {
	service, subservice, deviceID, name string
}

func newCommandKey(service, subservice, deviceID, name string) commandKey {
	return commandKey{service: strings.ToLower(service), subservice: subservice, deviceID: deviceID, name: name}
}

// MemoryCommandRegistry 进程内命令队列
type MemoryCommandRegistry struct {
	mu       sync.Mutex
	seq      uint64
	commands map[commandKey]*model.Command
	order    map[commandKey]uint64
}

// NewMemoryCommandRegistry 创建内存命令队列
func NewMemoryCommandRegistry() *MemoryCommandRegistry {
	return &MemoryCommandRegistry{commands: map[commandKey]*model.Command{}, order: map[commandKey]uint64{}}
}

func (r *MemoryCommandRegistry) Add(_ context.Context, command *model.Command) (*model.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := newCommandKey(command.Service, command.Subservice, command.DeviceID, command.Name)
	stored := *command
	if existing, ok := r.commands[key]; ok {
		stored.ID = existing.ID
	} else {
		r.seq++
		stored.ID = strconv.FormatUint(r.seq, 10)
		r.order[key] = r.seq
	}
	r.commands[key] = &stored
	out := stored
	return &out, nil
}

func (r *MemoryCommandRegistry) List(_ context.Context, service, subservice, deviceID string) (*model.CommandList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Command{}
	for _, key := range r.sortedKeys() {
		c := r.commands[key]
		if c.DeviceID == deviceID && sameService(c.Service, service) && sameSubservice(c.Subservice, subservice) {
			out = append(out, *c)
		}
	}
	return &model.CommandList{Count: len(out), Commands: out}, nil
}

func (r *MemoryCommandRegistry) Remove(_ context.Context, service, subservice, deviceID, name string) (*model.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := newCommandKey(service, subservice, deviceID, name)
	c, ok := r.commands[key]
	if !ok {
		return nil, pkg.NewCommandNotFound(name)
	}
	delete(r.commands, key)
	delete(r.order, key)
	return c, nil
}

func (r *MemoryCommandRegistry) RemoveExpired(_ context.Context, now time.Time) ([]model.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []model.Command
	for _, key := range r.sortedKeys() {
		c := r.commands[key]
		if c.Expired(now) {
			expired = append(expired, *c)
			delete(r.commands, key)
			delete(r.order, key)
		}
	}
	return expired, nil
}

func (r *MemoryCommandRegistry) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = map[commandKey]*model.Command{}
	r.order = map[commandKey]uint64{}
	return nil
}

func (r *MemoryCommandRegistry) sortedKeys() []commandKey {
	keys := make([]commandKey, 0, len(r.commands))
	for k := range r.commands {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return r.order[keys[i]] < r.order[keys[j]] })
	return keys
}
