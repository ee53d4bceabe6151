package query

// Collection names used by the chat layer.
const (
	Conversations        = "conversations"
	ConversationMembers  = "conversation_members"
	ConversationMessages = "conversation_messages"
	LobbyMessages        = "lobby_messages"
	Messages             = "messages"
	Contacts             = "contacts"
)

// CollectionDef describes a physical collection.
type CollectionDef struct {
	Name           string
	IDField        string
	TimestampField string
}

// UnionDef describes a read view over two physical collections. Records
// carrying Discriminator belong to With, the rest to Without.
type UnionDef struct {
	Name          string
	Discriminator string
	With          string
	Without       string
}

// Members lists the backing collections.
func (u UnionDef) Members() []string {
	return []string{u.With, u.Without}
}

// Schema holds collection and union definitions.
type Schema struct {
	collections map[string]CollectionDef
	order       []string
	unions      map[string]UnionDef
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{
		collections: make(map[string]CollectionDef),
		unions:      make(map[string]UnionDef),
	}
}

// AddCollection registers def, filling default id and timestamp fields.
func (s *Schema) AddCollection(def CollectionDef) *Schema {
	if def.IDField == "" {
		def.IDField = "id"
	}
	if def.TimestampField == "" {
		def.TimestampField = "created_at"
	}
	if _, exists := s.collections[def.Name]; !exists {
		s.order = append(s.order, def.Name)
	}
	s.collections[def.Name] = def
	return s
}

// AddUnion registers a union view.
func (s *Schema) AddUnion(def UnionDef) *Schema {
	s.unions[def.Name] = def
	return s
}

// Collection returns the definition for name. Unknown collections get the
// id / created_at defaults.
func (s *Schema) Collection(name string) CollectionDef {
	if s != nil {
		if def, ok := s.collections[name]; ok {
			return def
		}
	}
	return CollectionDef{Name: name, IDField: "id", TimestampField: "created_at"}
}

// Union returns the union view registered under name.
func (s *Schema) Union(name string) (UnionDef, bool) {
	if s == nil {
		return UnionDef{}, false
	}
	u, ok := s.unions[name]
	return u, ok
}

// Collections lists the physical collection names in registration order,
// parents before children.
func (s *Schema) Collections() []string {
	return append([]string(nil), s.order...)
}

// ChatSchema is the schema of the chat data layer.
func ChatSchema() *Schema {
	return NewSchema().
		AddCollection(CollectionDef{Name: Conversations}).
		AddCollection(CollectionDef{Name: ConversationMembers, TimestampField: "added_at"}).
		AddCollection(CollectionDef{Name: ConversationMessages}).
		AddCollection(CollectionDef{Name: LobbyMessages}).
		AddCollection(CollectionDef{Name: Contacts}).
		AddUnion(UnionDef{
			Name:          Messages,
			Discriminator: "conversation_id",
			With:          ConversationMessages,
			Without:       LobbyMessages,
		})
}
