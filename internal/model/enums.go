package model

type ContentKind string

const (
	ContentKindMovie ContentKind = "movie"
	ContentKindTV    ContentKind = "tv"
)

func (k ContentKind) Valid() bool {
	return k == ContentKindMovie || k == ContentKindTV
}

type MessageKind string

const (
	MessageKindChat   MessageKind = "message"
	MessageKindSystem MessageKind = "system"
	MessageKindSync   MessageKind = "sync"
)
