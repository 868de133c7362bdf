package resource

import (
	"net/http"
	"strings"

	store "github.com/hanpama/batchgate/internal/store"
	value "github.com/hanpama/batchgate/internal/value"
)

const usersTable = "users"

const maxNameLength = 150

// User is a stored account. Passwords are validated on creation but never
// stored or returned.
type User struct {
	ID        int64  `mapstructure:"id"`
	Username  string `mapstructure:"username"`
	FirstName string `mapstructure:"first_name"`
	LastName  string `mapstructure:"last_name"`
	Email     string `mapstructure:"email"`
	IsActive  bool   `mapstructure:"is_active"`
}

func (u User) record() value.Value {
	return value.Map(map[string]value.Value{
		"id":         value.Int(u.ID),
		"username":   value.Str(u.Username),
		"first_name": value.Str(u.FirstName),
		"last_name":  value.Str(u.LastName),
		"email":      value.Str(u.Email),
		"is_active":  value.Bool(u.IsActive),
	})
}

type userPayload struct {
	Username  *string `mapstructure:"username"`
	Password  *string `mapstructure:"password"`
	Password2 *string `mapstructure:"password2"`
	FirstName *string `mapstructure:"first_name"`
	LastName  *string `mapstructure:"last_name"`
	Email     *string `mapstructure:"email"`
}

func (p userPayload) apply(u *User) {
	if p.Username != nil {
		u.Username = strings.TrimSpace(*p.Username)
	}
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		u.LastName = *p.LastName
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
}

func (p userPayload) validate(errs fieldErrors, usernameRequired bool) {
	checkString(errs, "username", p.Username, usernameRequired, true, maxNameLength)
	checkString(errs, "first_name", p.FirstName, false, false, maxNameLength)
	checkString(errs, "last_name", p.LastName, false, false, maxNameLength)
	checkString(errs, "email", p.Email, false, false, 254)
}

func usernameTaken(r store.Reader, username string, except int64) bool {
	for _, row := range r.List(usersTable) {
		if row.ID == except {
			continue
		}
		if name, ok := row.Data.Get("username"); ok && strings.EqualFold(name.Text(), username) {
			return true
		}
	}
	return false
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	var rows []store.Row
	if err := a.read(r, func(rd store.Reader) error {
		rows = rd.List(usersTable)
		return nil
	}); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, records(rows), "username"))
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var p userPayload
	if err := decodePayload(body, &p); err != nil {
		fail(w, r, err)
		return
	}
	errs := fieldErrors{}
	p.validate(errs, true)
	checkString(errs, "password", p.Password, true, true, 128)
	checkString(errs, "password2", p.Password2, true, true, 128)
	if p.Password != nil && p.Password2 != nil && *p.Password != *p.Password2 {
		errs.add("password2", "The two password fields didn't match.")
	}

	var created value.Value
	err = a.write(r, func(tx *store.Tx) error {
		if p.Username != nil && usernameTaken(tx, strings.TrimSpace(*p.Username), 0) {
			errs.add("username", "A user with that username already exists.")
		}
		if len(errs) > 0 {
			return errs
		}
		u := User{IsActive: true}
		p.apply(&u)
		_, created, err = tx.Insert(usersTable, u.record())
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, r)
		return
	}
	var rec value.Value
	if err := a.read(r, func(rd store.Reader) error {
		var err error
		rec, err = rd.Get(usersTable, id)
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, r)
		return
	}
	body, err := readBody(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var p userPayload
	if err := decodePayload(body, &p); err != nil {
		fail(w, r, err)
		return
	}
	var updated value.Value
	err = a.write(r, func(tx *store.Tx) error {
		rec, err := tx.Get(usersTable, id)
		if err != nil {
			return err
		}
		errs := fieldErrors{}
		p.validate(errs, r.Method == http.MethodPut)
		if p.Password != nil {
			errs.add("password", "Passwords cannot be changed through this endpoint.")
		}
		if p.Username != nil && usernameTaken(tx, strings.TrimSpace(*p.Username), id) {
			errs.add("username", "A user with that username already exists.")
		}
		if len(errs) > 0 {
			return errs
		}
		var u User
		if err := decodeRecord(rec, &u); err != nil {
			return err
		}
		p.apply(&u)
		updated = u.record()
		return tx.Put(usersTable, id, updated)
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, r)
		return
	}
	if err := a.write(r, func(tx *store.Tx) error { return tx.Delete(usersTable, id) }); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
