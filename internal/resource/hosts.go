package resource

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	store "github.com/hanpama/batchgate/internal/store"
	value "github.com/hanpama/batchgate/internal/value"
)

const (
	groupsTable = "groups"
	hostsTable  = "hosts"
)

const maxHostName = 1024

// Group is a host group. Groups form a tree through Parent and hold hosts
// by id.
type Group struct {
	ID      int64   `mapstructure:"id"`
	Name    string  `mapstructure:"name"`
	Parent  *int64  `mapstructure:"parent"`
	HostIDs []int64 `mapstructure:"host_ids"`
}

func (g Group) record() value.Value {
	ids := make([]value.Value, len(g.HostIDs))
	for i, id := range g.HostIDs {
		ids[i] = value.Int(id)
	}
	return g.view().With("host_ids", value.Seq(ids...))
}

func (g Group) view() value.Value {
	parent := value.Null()
	if g.Parent != nil {
		parent = value.Int(*g.Parent)
	}
	return value.Map(map[string]value.Value{
		"id":     value.Int(g.ID),
		"name":   value.Str(g.Name),
		"parent": parent,
	})
}

type Host struct {
	ID   int64  `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

func (h Host) record() value.Value {
	return value.Map(map[string]value.Value{"id": value.Int(h.ID), "name": value.Str(h.Name)})
}

type namePayload struct {
	ID     *int64  `mapstructure:"id"`
	Name   *string `mapstructure:"name"`
	Parent *int64  `mapstructure:"parent"`
}

func loadGroup(r store.Reader, id int64) (Group, error) {
	rec, err := r.Get(groupsTable, id)
	if err != nil {
		return Group{}, err
	}
	var g Group
	if err := decodeRecord(rec, &g); err != nil {
		return Group{}, fmt.Errorf("resource: group %d: %w", id, err)
	}
	return g, nil
}

func loadHost(r store.Reader, id int64) (Host, error) {
	rec, err := r.Get(hostsTable, id)
	if err != nil {
		return Host{}, err
	}
	var h Host
	if err := decodeRecord(rec, &h); err != nil {
		return Host{}, fmt.Errorf("resource: host %d: %w", id, err)
	}
	return h, nil
}

func groups(r store.Reader, keep func(Group) bool) ([]value.Value, error) {
	var out []value.Value
	for _, row := range r.List(groupsTable) {
		var g Group
		if err := decodeRecord(row.Data, &g); err != nil {
			return nil, err
		}
		if keep == nil || keep(g) {
			out = append(out, g.view())
		}
	}
	return out, nil
}

// readPayload reads and decodes the request body into a namePayload.
func readPayload(r *http.Request) (namePayload, error) {
	var p namePayload
	body, err := readBody(r)
	if err != nil {
		return p, err
	}
	return p, decodePayload(body, &p)
}

func (p namePayload) validate(errs fieldErrors, nameRequired bool) {
	checkString(errs, "name", p.Name, nameRequired, true, maxHostName)
}

// ---- groups ----

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	var items []value.Value
	if err := a.read(r, func(rd store.Reader) error {
		var err error
		items, err = groups(rd, nil)
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, items, "name", "parent"))
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	a.insertGroup(w, r, p, p.Parent)
}

func (a *API) insertGroup(w http.ResponseWriter, r *http.Request, p namePayload, parent *int64) {
	var created value.Value
	err := a.write(r, func(tx *store.Tx) error {
		errs := fieldErrors{}
		p.validate(errs, true)
		if parent != nil {
			if _, err := tx.Get(groupsTable, *parent); err != nil {
				errs.add("parent", fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", *parent))
			}
		}
		if len(errs) > 0 {
			return errs
		}
		g := Group{Name: strings.TrimSpace(*p.Name), Parent: parent}
		id, _, err := tx.Insert(groupsTable, g.record())
		if err != nil {
			return err
		}
		g.ID = id
		created = g.view()
		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var g Group
	if err := a.read(r, func(rd store.Reader) error {
		var err error
		g, err = loadGroup(rd, id)
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.view())
}

func (a *API) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	a.saveGroup(w, r, id, func(store.Reader, Group) bool { return true })
}

// saveGroup applies a PUT or PATCH payload to group id when visible reports
// the group as reachable from the request path.
func (a *API) saveGroup(w http.ResponseWriter, r *http.Request, id int64, visible func(store.Reader, Group) bool) {
	p, err := readPayload(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var updated value.Value
	err = a.write(r, func(tx *store.Tx) error {
		g, err := loadGroup(tx, id)
		if err != nil {
			return err
		}
		if !visible(tx, g) {
			return store.ErrNotFound
		}
		errs := fieldErrors{}
		p.validate(errs, r.Method == http.MethodPut)
		if p.Parent != nil {
			switch {
			case *p.Parent == id:
				errs.add("parent", "A group cannot be its own parent.")
			default:
				if _, err := tx.Get(groupsTable, *p.Parent); err != nil {
					errs.add("parent", fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", *p.Parent))
				}
			}
		}
		if len(errs) > 0 {
			return errs
		}
		if p.Name != nil {
			g.Name = strings.TrimSpace(*p.Name)
		}
		if p.Parent != nil {
			g.Parent = p.Parent
		}
		updated = g.view()
		return tx.Put(groupsTable, id, g.record())
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	err := a.write(r, func(tx *store.Tx) error {
		if _, err := tx.Get(groupsTable, id); err != nil {
			return err
		}
		return deleteTree(tx, id)
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func deleteTree(tx *store.Tx, id int64) error {
	for _, row := range tx.List(groupsTable) {
		if parent, ok := row.Data.Get("parent"); ok {
			if pid, ok := parent.Int64(); ok && pid == id {
				if err := deleteTree(tx, row.ID); err != nil {
					return err
				}
			}
		}
	}
	return tx.Delete(groupsTable, id)
}

// ---- subgroups ----

func childOf(parent int64) func(store.Reader, Group) bool {
	return func(_ store.Reader, g Group) bool { return g.Parent != nil && *g.Parent == parent }
}

func (a *API) listSubgroups(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var items []value.Value
	err := a.read(r, func(rd store.Reader) error {
		if _, err := rd.Get(groupsTable, id); err != nil {
			return err
		}
		var err error
		items, err = groups(rd, func(g Group) bool { return childOf(id)(rd, g) })
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, items, "name"))
}

func (a *API) createSubgroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	p, err := readPayload(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := a.read(r, func(rd store.Reader) error { _, err := rd.Get(groupsTable, id); return err }); err != nil {
		fail(w, r, err)
		return
	}
	a.insertGroup(w, r, p, &id)
}

func (a *API) getSubgroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	sid, _ := pathID(r, "sid")
	var g Group
	err := a.read(r, func(rd store.Reader) error {
		var err error
		if g, err = loadGroup(rd, sid); err != nil {
			return err
		}
		if !childOf(id)(rd, g) {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.view())
}

func (a *API) updateSubgroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	sid, _ := pathID(r, "sid")
	a.saveGroup(w, r, sid, childOf(id))
}

func (a *API) detachSubgroup(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	sid, _ := pathID(r, "sid")
	err := a.write(r, func(tx *store.Tx) error {
		g, err := loadGroup(tx, sid)
		if err != nil {
			return err
		}
		if !childOf(id)(tx, g) {
			return store.ErrNotFound
		}
		g.Parent = nil
		return tx.Put(groupsTable, sid, g.record())
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ---- hosts of a group ----

func memberHosts(rd store.Reader, g Group) ([]value.Value, error) {
	var out []value.Value
	for _, hid := range g.HostIDs {
		h, err := loadHost(rd, hid)
		if err != nil {
			continue
		}
		out = append(out, h.record())
	}
	return out, nil
}

func (a *API) listGroupHosts(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var items []value.Value
	err := a.read(r, func(rd store.Reader) error {
		g, err := loadGroup(rd, id)
		if err != nil {
			return err
		}
		items, err = memberHosts(rd, g)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, items, "name"))
}

// addGroupHosts creates a host from a mapping without "id", attaches the
// existing host named by a mapping with "id", or attaches every host of a
// list of such mappings or plain ids.
func (a *API) addGroupHosts(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	body, err := readBody(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var out value.Value
	err = a.write(r, func(tx *store.Tx) error {
		g, err := loadGroup(tx, id)
		if err != nil {
			return err
		}
		if body.Kind() == value.KindSequence {
			ids, err := attachIDs(tx, body.Items())
			if err != nil {
				return err
			}
			var attached []value.Value
			for _, hid := range ids {
				h, err := loadHost(tx, hid)
				if err != nil {
					return err
				}
				attached = append(attached, h.record())
				if !slices.Contains(g.HostIDs, hid) {
					g.HostIDs = append(g.HostIDs, hid)
				}
			}
			out = value.Seq(attached...)
			return tx.Put(groupsTable, id, g.record())
		}

		var p namePayload
		if err := decodePayload(body, &p); err != nil {
			return err
		}
		var h Host
		if p.ID != nil {
			if h, err = loadHost(tx, *p.ID); err != nil {
				errs := fieldErrors{}
				errs.add("id", fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", *p.ID))
				return errs
			}
		} else {
			errs := fieldErrors{}
			p.validate(errs, true)
			if len(errs) > 0 {
				return errs
			}
			h = Host{Name: strings.TrimSpace(*p.Name)}
			if h.ID, _, err = tx.Insert(hostsTable, h.record()); err != nil {
				return err
			}
		}
		if !slices.Contains(g.HostIDs, h.ID) {
			g.HostIDs = append(g.HostIDs, h.ID)
		}
		out = h.record()
		return tx.Put(groupsTable, id, g.record())
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func attachIDs(rd store.Reader, items []value.Value) ([]int64, error) {
	errs := fieldErrors{}
	ids := make([]int64, 0, len(items))
	for i, item := range items {
		ref := item
		if item.Kind() == value.KindMapping {
			ref, _ = item.Get("id")
		}
		hid, ok := ref.Int64()
		if !ok {
			errs.add(fmt.Sprintf("%d", i), "Expected a host id or a host with an id.")
			continue
		}
		if _, err := rd.Get(hostsTable, hid); err != nil {
			errs.add(fmt.Sprintf("%d", i), fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", hid))
			continue
		}
		ids = append(ids, hid)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return ids, nil
}

// memberHost loads host hid when it belongs to group id.
func memberHost(rd store.Reader, id, hid int64) (Group, Host, error) {
	g, err := loadGroup(rd, id)
	if err != nil {
		return Group{}, Host{}, err
	}
	if !slices.Contains(g.HostIDs, hid) {
		return Group{}, Host{}, store.ErrNotFound
	}
	h, err := loadHost(rd, hid)
	return g, h, err
}

func (a *API) getGroupHost(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	hid, _ := pathID(r, "hid")
	var h Host
	err := a.read(r, func(rd store.Reader) error {
		var err error
		_, h, err = memberHost(rd, id, hid)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.record())
}

func (a *API) updateGroupHost(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	hid, _ := pathID(r, "hid")
	a.saveHost(w, r, hid, func(rd store.Reader) error {
		_, _, err := memberHost(rd, id, hid)
		return err
	})
}

func (a *API) detachGroupHost(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	hid, _ := pathID(r, "hid")
	err := a.write(r, func(tx *store.Tx) error {
		g, _, err := memberHost(tx, id, hid)
		if err != nil {
			return err
		}
		g.HostIDs = slices.DeleteFunc(g.HostIDs, func(x int64) bool { return x == hid })
		return tx.Put(groupsTable, id, g.record())
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ---- hosts ----

func (a *API) listHosts(w http.ResponseWriter, r *http.Request) {
	var rows []store.Row
	if err := a.read(r, func(rd store.Reader) error {
		rows = rd.List(hostsTable)
		return nil
	}); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, records(rows), "name"))
}

func (a *API) createHost(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var created value.Value
	err = a.write(r, func(tx *store.Tx) error {
		errs := fieldErrors{}
		p.validate(errs, true)
		if len(errs) > 0 {
			return errs
		}
		_, created, err = tx.Insert(hostsTable, Host{Name: strings.TrimSpace(*p.Name)}.record())
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getHost(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var h Host
	if err := a.read(r, func(rd store.Reader) error {
		var err error
		h, err = loadHost(rd, id)
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.record())
}

func (a *API) updateHost(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	a.saveHost(w, r, id, func(store.Reader) error { return nil })
}

// saveHost applies a PUT or PATCH payload to host id once check accepts the
// request path.
func (a *API) saveHost(w http.ResponseWriter, r *http.Request, id int64, check func(store.Reader) error) {
	p, err := readPayload(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var updated value.Value
	err = a.write(r, func(tx *store.Tx) error {
		if err := check(tx); err != nil {
			return err
		}
		h, err := loadHost(tx, id)
		if err != nil {
			return err
		}
		errs := fieldErrors{}
		p.validate(errs, r.Method == http.MethodPut)
		if len(errs) > 0 {
			return errs
		}
		if p.Name != nil {
			h.Name = strings.TrimSpace(*p.Name)
		}
		updated = h.record()
		return tx.Put(hostsTable, id, updated)
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteHost(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	err := a.write(r, func(tx *store.Tx) error {
		if err := tx.Delete(hostsTable, id); err != nil {
			return err
		}
		for _, row := range tx.List(groupsTable) {
			var g Group
			if err := decodeRecord(row.Data, &g); err != nil {
				return err
			}
			if slices.Contains(g.HostIDs, id) {
				g.HostIDs = slices.DeleteFunc(g.HostIDs, func(x int64) bool { return x == id })
				if err := tx.Put(groupsTable, g.ID, g.record()); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
