package livequery

import (
	"fmt"
	"os"
	"slices"

	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

// the query catalog of a server, e.g.
//
//	auth_required: true
//	redis_url: ${REDIS_URL}
//	key_field: id
//	queries:
//	  messages:
//	    kind: collection
//	    key: "room:{room}:messages"
//	  profile:
//	    kind: value
//	    key: "profile:{session.sub}"
//
// Environment references are expanded before parsing.
type CatalogConfig struct {
	AuthRequired bool                    `yaml:"auth_required"`
	RedisUrl     string                  `yaml:"redis_url"`
	KeyField     string                  `yaml:"key_field"`
	Queries      map[string]*QueryConfig `yaml:"queries"`
}

type QueryConfig struct {
	Kind QueryKind `yaml:"kind"`
	// redis key template, see `ExpandKeyTemplate`
	Key string `yaml:"key"`
}

func LoadCatalogConfig(path string) (*CatalogConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalogConfig(data)
}

func ParseCatalogConfig(data []byte) (*CatalogConfig, error) {
	config := &CatalogConfig{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, err
	}
	if config.KeyField == "" {
		config.KeyField = DefaultKeyField
	}
	if config.Queries == nil {
		config.Queries = map[string]*QueryConfig{}
	}
	for _, name := range config.QueryNames() {
		queryConfig := config.Queries[name]
		if queryConfig == nil {
			return nil, fmt.Errorf("Query %s has no config.", name)
		}
		if queryConfig.Kind == "" {
			queryConfig.Kind = QueryKindCollection
		}
		if !queryConfig.Kind.Valid() {
			return nil, fmt.Errorf("Query %s has unknown kind %q.", name, queryConfig.Kind)
		}
		if queryConfig.Key == "" {
			return nil, fmt.Errorf("Query %s has no key.", name)
		}
	}
	return config, nil
}

func (self *CatalogConfig) QueryNames() []string {
	names := maps.Keys(self.Queries)
	slices.Sort(names)
	return names
}

// binds every configured query to the redis changefeed
func (self *CatalogConfig) BuildQueryCatalog(changefeed *RedisChangefeed) *QueryCatalog {
	catalog := NewQueryCatalog()
	for _, name := range self.QueryNames() {
		queryConfig := self.Queries[name]
		switch queryConfig.Kind {
		case QueryKindValue:
			catalog.AddValue(name, changefeed.ValueQuery(queryConfig.Key))
		default:
			catalog.AddCollection(name, changefeed.CollectionQuery(queryConfig.Key))
		}
	}
	return catalog
}
