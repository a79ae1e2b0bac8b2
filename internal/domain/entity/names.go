package entity

// NameQuery is the batch request sent to the user/property registry.
type NameQuery struct {
	PropertyIDs []int64 `json:"propertyIds"`
	UserIDs     []int64 `json:"userIds"`
}

func (q NameQuery) Empty() bool {
	return len(q.PropertyIDs) == 0 && len(q.UserIDs) == 0
}

type NamedEntity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ResolvedNames struct {
	Properties []NamedEntity `json:"properties"`
	Users      []NamedEntity `json:"users"`
}

// NewResolvedNames returns an empty result whose lists encode as [] rather
// than null.
func NewResolvedNames() *ResolvedNames {
	return &ResolvedNames{Properties: []NamedEntity{}, Users: []NamedEntity{}}
}

// Add appends other's names. A nil other is a no-op.
func (r *ResolvedNames) Add(other *ResolvedNames) {
	if other == nil {
		return
	}
	r.Properties = append(r.Properties, other.Properties...)
	r.Users = append(r.Users, other.Users...)
}

func (r *ResolvedNames) UserNames() map[int64]string {
	return toMap(r.Users)
}

func (r *ResolvedNames) PropertyNames() map[int64]string {
	return toMap(r.Properties)
}

func toMap(items []NamedEntity) map[int64]string {
	out := make(map[int64]string, len(items))
	for _, item := range items {
		out[item.ID] = item.Name
	}
	return out
}
