package model

import "time"

type Stage struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type Pipeline struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role"`
}

// OrgSnapshot is the directory data the agent reasons over.
type OrgSnapshot struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Timezone  string            `json:"timezone,omitempty"`
	Pipelines []Pipeline        `json:"pipelines"`
	Users     []User            `json:"users"`
	Settings  map[string]string `json:"settings,omitempty"`
	LoadedAt  time.Time         `json:"loaded_at"`
}

// EmptyOrg is the degraded snapshot used when the store cannot be read.
func EmptyOrg(id string) OrgSnapshot {
	return OrgSnapshot{ID: id, Pipelines: []Pipeline{}, Users: []User{}, Settings: map[string]string{}}
}

// FindStage looks a stage up by key across all pipelines.
func (o OrgSnapshot) FindStage(key string) (Pipeline, Stage, bool) {
	for _, p := range o.Pipelines {
		for _, s := range p.Stages {
			if s.Key == key {
				return p, s, true
			}
		}
	}
	return Pipeline{}, Stage{}, false
}

// FindUser matches a user by id or email.
func (o OrgSnapshot) FindUser(idOrEmail string) (User, bool) {
	for _, u := range o.Users {
		if u.ID == idOrEmail || u.Email == idOrEmail {
			return u, true
		}
	}
	return User{}, false
}
