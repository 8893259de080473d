package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"
)

// changefeeds over Redis.
// A collection is a sorted set of json records, ordered by score then member.
// A value is a string key holding a json record.
// Every write increments `<key>:version` and publishes `{version, change}` as json on
// `<key>:changes` in the same script. A feed subscribes, then reads the snapshot and its
// version in one script, then forwards only the changes newer than the snapshot.

func ChangeChannel(key string) string {
	return fmt.Sprintf("%s:changes", key)
}

func VersionKey(key string) string {
	return fmt.Sprintf("%s:version", key)
}

// zadd the record and publish the add, or the change when it replaces `ARGV[3]`
var upsertRecordScript = redis.NewScript(`
local channel = KEYS[1] .. ':changes'
local change = {type = 'add'}
if ARGV[3] ~= '' then
	local oldOffset = redis.call('ZRANK', KEYS[1], ARGV[3])
	if oldOffset then
		redis.call('ZREM', KEYS[1], ARGV[3])
		change.type = 'change'
		change.oldValue = cjson.decode(ARGV[3])
		change.oldOffset = oldOffset
	end
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local newOffset = redis.call('ZRANK', KEYS[1], ARGV[2])
change.newValue = cjson.decode(ARGV[2])
change.newOffset = newOffset
local version = redis.call('INCR', KEYS[1] .. ':version')
redis.call('PUBLISH', channel, cjson.encode({version = version, change = change}))
return newOffset
`)

// zrem the record and publish the remove. Returns -1 when the record is not present.
var removeRecordScript = redis.NewScript(`
local offset = redis.call('ZRANK', KEYS[1], ARGV[1])
if not offset then
	return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
local change = {type = 'remove', oldValue = cjson.decode(ARGV[1]), oldOffset = offset}
local version = redis.call('INCR', KEYS[1] .. ':version')
redis.call('PUBLISH', KEYS[1] .. ':changes', cjson.encode({version = version, change = change}))
return offset
`)

// `ARGV[1]` is the change json. Publishes it under the next version.
var publishChangeScript = redis.NewScript(`
local version = redis.call('INCR', KEYS[1] .. ':version')
redis.call('PUBLISH', KEYS[1] .. ':changes', '{"version":' .. version .. ',"change":' .. ARGV[1] .. '}')
return version
`)

// set the value to `ARGV[1]` and publish the change `ARGV[2]`
var setValueScript = redis.NewScript(`
local version = redis.call('INCR', KEYS[1] .. ':version')
redis.call('SET', KEYS[1], ARGV[1])
redis.call('PUBLISH', KEYS[1] .. ':changes', '{"version":' .. version .. ',"change":' .. ARGV[2] .. '}')
return version
`)

// delete the value and publish the change `ARGV[1]`
var deleteValueScript = redis.NewScript(`
local version = redis.call('INCR', KEYS[1] .. ':version')
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[1] .. ':changes', '{"version":' .. version .. ',"change":' .. ARGV[1] .. '}')
return version
`)

// returns the version followed by the ordered members
var snapshotCollectionScript = redis.NewScript(`
local version = tonumber(redis.call('GET', KEYS[1] .. ':version') or '0')
local snapshot = {version}
for i, member in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
	snapshot[i + 1] = member
end
return snapshot
`)

// returns the version followed by the value, when there is one
var snapshotValueScript = redis.NewScript(`
local version = tonumber(redis.call('GET', KEYS[1] .. ':version') or '0')
local value = redis.call('GET', KEYS[1])
if value then
	return {version, value}
end
return {version}
`)

// the payload on `<key>:changes`
type redisChangeEvent struct {
	Version int64   `json:"version"`
	Change  *Change `json:"change"`
}

type RedisChangefeed struct {
	client   *redis.Client
	keyField string
}

func NewRedisChangefeed(client *redis.Client, keyField string) *RedisChangefeed {
	if keyField == "" {
		keyField = DefaultKeyField
	}
	return &RedisChangefeed{
		client:   client,
		keyField: keyField,
	}
}

// a collection feed of the sorted set named by `keyTemplate`
func (self *RedisChangefeed) CollectionQuery(keyTemplate string) QueryConstructor {
	return func(ctx context.Context, session *Session, params map[string]any) (Cursor, error) {
		key, err := ExpandKeyTemplate(keyTemplate, session, params)
		if err != nil {
			return nil, err
		}
		return self.OpenCollection(ctx, key)
	}
}

// a value feed of the string key named by `keyTemplate`
func (self *RedisChangefeed) ValueQuery(keyTemplate string) QueryConstructor {
	return func(ctx context.Context, session *Session, params map[string]any) (Cursor, error) {
		key, err := ExpandKeyTemplate(keyTemplate, session, params)
		if err != nil {
			return nil, err
		}
		return self.OpenValue(ctx, key)
	}
}

// subscribe before the snapshot so that no write between the two is missed.
// A write in that window is in the snapshot and is dropped from the channel by version.
func (self *RedisChangefeed) subscribe(ctx context.Context, key string) (*redis.PubSub, error) {
	pubsub := self.client.Subscribe(ctx, ChangeChannel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

func (self *RedisChangefeed) OpenCollection(ctx context.Context, key string) (Cursor, error) {
	pubsub, err := self.subscribe(ctx, key)
	if err != nil {
		return nil, err
	}

	version, members, err := self.snapshot(ctx, snapshotCollectionScript, key)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	cursor := newRedisCursor(key, pubsub, version)
	cursor.Push(StateChange(FeedStateInitializing))
	for i, member := range members {
		record, err := decodeRecord(member)
		if err != nil {
			cursor.Close()
			return nil, fmt.Errorf("Invalid member of %s: %w", key, err)
		}
		cursor.Push(&Change{
			Type:      ChangeTypeInitial,
			NewValue:  record,
			NewOffset: Offset(i),
		})
	}
	cursor.Push(StateChange(FeedStateReady))
	go cursor.forward()

	glog.V(2).Infof("[rc]open collection %s (%d) at version %d\n", key, len(members), version)
	return cursor, nil
}

func (self *RedisChangefeed) OpenValue(ctx context.Context, key string) (Cursor, error) {
	pubsub, err := self.subscribe(ctx, key)
	if err != nil {
		return nil, err
	}

	version, values, err := self.snapshot(ctx, snapshotValueScript, key)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	cursor := newRedisCursor(key, pubsub, version)
	cursor.Push(StateChange(FeedStateInitializing))
	if 0 < len(values) {
		record, err := decodeRecord(values[0])
		if err != nil {
			cursor.Close()
			return nil, fmt.Errorf("Invalid value of %s: %w", key, err)
		}
		cursor.Push(&Change{
			Type:     ChangeTypeInitial,
			NewValue: record,
		})
	}
	cursor.Push(StateChange(FeedStateReady))
	go cursor.forward()

	glog.V(2).Infof("[rc]open value %s at version %d\n", key, version)
	return cursor, nil
}

// inserts `record` into the collection at `key`, replacing `oldRecord` when it is given.
// Returns the new offset.
func (self *RedisChangefeed) UpsertRecord(
	ctx context.Context,
	key string,
	score float64,
	record Record,
	oldRecord Record,
) (int, error) {
	if _, ok := identityKey(record, self.keyField); !ok {
		return 0, fmt.Errorf("Record has no %s.", self.keyField)
	}
	member, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	oldMember := []byte{}
	if oldRecord != nil {
		oldMember, err = json.Marshal(oldRecord)
		if err != nil {
			return 0, err
		}
	}
	return upsertRecordScript.Run(ctx, self.client, []string{key}, score, string(member), string(oldMember)).Int()
}

// returns false when the record is not in the collection
func (self *RedisChangefeed) RemoveRecord(ctx context.Context, key string, record Record) (bool, error) {
	member, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	offset, err := removeRecordScript.Run(ctx, self.client, []string{key}, string(member)).Int()
	if err != nil {
		return false, err
	}
	return 0 <= offset, nil
}

// sets the value at `key` and publishes the change in one transaction
func (self *RedisChangefeed) SetValue(ctx context.Context, key string, record Record) error {
	valueJson, err := json.Marshal(record)
	if err != nil {
		return err
	}
	change := &Change{
		Type:     ChangeTypeChange,
		NewValue: record,
	}
	changeJson, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return setValueScript.Run(ctx, self.client, []string{key}, string(valueJson), string(changeJson)).Err()
}

func (self *RedisChangefeed) DeleteValue(ctx context.Context, key string) error {
	changeJson, err := json.Marshal(&Change{
		Type: ChangeTypeRemove,
	})
	if err != nil {
		return err
	}
	return deleteValueScript.Run(ctx, self.client, []string{key}, string(changeJson)).Err()
}

// publishes a change for sources that maintain the data themselves
func (self *RedisChangefeed) PublishChange(ctx context.Context, key string, change *Change) error {
	changeJson, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return publishChangeScript.Run(ctx, self.client, []string{key}, string(changeJson)).Err()
}

// runs a snapshot script. Returns the version of the snapshot and the rest of the reply.
func (self *RedisChangefeed) snapshot(ctx context.Context, script *redis.Script, key string) (int64, []any, error) {
	result, err := script.Run(ctx, self.client, []string{key}).Slice()
	if err != nil {
		return 0, nil, err
	}
	if len(result) == 0 {
		return 0, nil, fmt.Errorf("Empty snapshot of %s.", key)
	}
	version, ok := result[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("Unexpected version type %T for %s.", result[0], key)
	}
	return version, result[1:], nil
}

func decodeRecord(member any) (Record, error) {
	var memberBytes []byte
	switch v := member.(type) {
	case string:
		memberBytes = []byte(v)
	case []byte:
		memberBytes = v
	default:
		return nil, fmt.Errorf("Unexpected member type %T.", member)
	}
	record := Record{}
	if err := json.Unmarshal(memberBytes, &record); err != nil {
		return nil, err
	}
	return record, nil
}

type redisCursor struct {
	*ChannelCursor
	key    string
	pubsub *redis.PubSub
	// changes at or below this version are already in the snapshot
	snapshotVersion int64
	closeOnce       sync.Once
}

func newRedisCursor(key string, pubsub *redis.PubSub, snapshotVersion int64) *redisCursor {
	return &redisCursor{
		ChannelCursor:   NewChannelCursor(),
		key:             key,
		pubsub:          pubsub,
		snapshotVersion: snapshotVersion,
	}
}

// moves published changes newer than the snapshot into the cursor queue, in publish order
func (self *redisCursor) forward() {
	messages := self.pubsub.Channel()
	for {
		select {
		case <-self.Done():
			return
		case message, ok := <-messages:
			if !ok {
				if !self.IsClosed() {
					self.Fail(fmt.Errorf("Changefeed %s ended.", self.key))
				}
				return
			}
			event := &redisChangeEvent{}
			if err := json.Unmarshal([]byte(message.Payload), event); err != nil {
				self.Fail(fmt.Errorf("Invalid change on %s: %w", message.Channel, err))
				return
			}
			if event.Change == nil {
				self.Fail(fmt.Errorf("Invalid change on %s: no change.", message.Channel))
				return
			}
			if event.Version <= self.snapshotVersion {
				glog.V(2).Infof("[rc]%s drop version %d in snapshot %d\n", self.key, event.Version, self.snapshotVersion)
				continue
			}
			if err := self.Push(event.Change); err != nil {
				return
			}
		}
	}
}

func (self *redisCursor) Close() error {
	var err error
	self.closeOnce.Do(func() {
		self.ChannelCursor.Close()
		err = self.pubsub.Close()
	})
	return err
}

var keyTemplatePattern = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// substitutes `{name}` with the request param `name` and `{session.name}` with the session attribute `name`
func ExpandKeyTemplate(keyTemplate string, session *Session, params map[string]any) (string, error) {
	missing := []string{}
	key := keyTemplatePattern.ReplaceAllStringFunc(keyTemplate, func(match string) string {
		name := match[1 : len(match)-1]
		var value any
		var ok bool
		if attributeName, found := strings.CutPrefix(name, "session."); found {
			if session != nil {
				value, ok = session.Attribute(attributeName)
			}
		} else {
			value, ok = params[name]
		}
		if !ok || value == nil {
			missing = append(missing, name)
			return match
		}
		return fmt.Sprint(value)
	})
	if 0 < len(missing) {
		return "", fmt.Errorf("Missing %s for key %s.", strings.Join(missing, ", "), keyTemplate)
	}
	return key, nil
}
