//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"syscall/js"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/corekit/internal/edge"
	"github.com/kittclouds/corekit/internal/eventbus"
	"github.com/kittclouds/corekit/internal/hnsw"
	"github.com/kittclouds/corekit/internal/storage"
	"github.com/kittclouds/corekit/internal/version"
)

// Version info
const Version = "0.1.0" // corekit wasm bridge

// Global state: one BrowserBackend-backed store shared by every bucket, plus
// the C5/C6/C10 services built on top of it and a registry of C2 HNSW
// indexes keyed by bucket name (one per embeddable entity kind, built lazily
// on first indexInsert/indexSearch call since the browser adapter has no
// compile-time entity catalog to preconfigure from).
var (
	backend  *storage.BrowserBackend
	versions *version.Store
	edges    *edge.Store
	bus      *eventbus.Bus

	indexMu sync.Mutex
	indexes = map[string]*hnsw.Index{}
)

func main() {
	fmt.Println("[corekit] wasm bridge ready v" + Version)

	js.Global().Set("CoreKit", js.ValueOf(map[string]interface{}{
		"version": js.FuncOf(getVersion),
		"init":    js.FuncOf(storeInit),

		// C3 storage adapter: generic bucket/key/value access, mirroring the
		// teacher's storeXxx naming for its persistent data layer.
		"storePut":    js.FuncOf(storePut),
		"storeGet":    js.FuncOf(storeGet),
		"storeDelete": js.FuncOf(storeDelete),
		"storeList":   js.FuncOf(storeList),
		"storeCount":  js.FuncOf(storeCount),

		// C2 HNSW index, one per bucket.
		"indexInsert": js.FuncOf(indexInsert),
		"indexSearch": js.FuncOf(indexSearch),
		"indexDelete": js.FuncOf(indexDelete),
		"indexSize":   js.FuncOf(indexSize),

		// C5 version store.
		"versionWrite":       js.FuncOf(versionWrite),
		"versionHistory":     js.FuncOf(versionHistory),
		"versionReconstruct": js.FuncOf(versionReconstruct),

		// C6 edge store.
		"edgeSave":          js.FuncOf(edgeSave),
		"edgeDelete":        js.FuncOf(edgeDelete),
		"edgeFindBySource":  js.FuncOf(edgeFindBySource),
		"edgeFindByTarget":  js.FuncOf(edgeFindByTarget),
		"edgeFindBetween":   js.FuncOf(edgeFindBetween),
		"edgeTraverse":      js.FuncOf(edgeTraverse),

		// C10 event bus.
		"eventPublish":             js.FuncOf(eventPublish),
		"eventList":                js.FuncOf(eventList),
		"eventFindByCorrelationID": js.FuncOf(eventFindByCorrelationID),
	}))

	select {}
}

func getVersion(this js.Value, args []js.Value) interface{} {
	return Version
}

// makePromise creates a JS Promise and returns it along with resolve/reject
// functions, grounded on the teacher's cmd/wasm bridge helper of the same
// name and shape.
func makePromise() (promise js.Value, resolve js.Value, reject js.Value) {
	var resolveFn, rejectFn js.Value
	handler := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolveFn = args[0]
		rejectFn = args[1]
		return nil
	})
	defer handler.Release()

	promise = js.Global().Get("Promise").New(handler)
	return promise, resolveFn, rejectFn
}

func errorResult(msg string) interface{} {
	jsonBytes, _ := json.Marshal(map[string]interface{}{"error": msg})
	return string(jsonBytes)
}

func successResult(msg string) interface{} {
	jsonBytes, _ := json.Marshal(map[string]interface{}{"success": msg})
	return string(jsonBytes)
}

func rejectWith(reject js.Value, prefix string, err error) {
	reject.Invoke(js.Global().Get("Error").New(fmt.Sprintf("%s: %v", prefix, err)))
}

// storeInit opens the OPFS-backed browser database at dsn and builds the
// C3/C5/C6/C10 services over it. Args: dsn (string).
func storeInit(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("init: dsn required")
	}
	dsn := args[0].String()

	logger := zerolog.Nop()
	b, err := storage.OpenBrowser(dsn, &logger)
	if err != nil {
		return errorResult(fmt.Sprintf("init: %v", err))
	}
	backend = b
	versions = version.New(backend, "entity_versions")
	edges = edge.New(backend, "entity_edges")
	bus = eventbus.New(eventbus.NewBoltRepository(backend, "events"))

	return successResult("initialized")
}

func requireBackend(reject js.Value) bool {
	if backend == nil {
		reject.Invoke(js.Global().Get("Error").New("store not initialized: call init first"))
		return false
	}
	return true
}

// storePut: Args: bucket, key, valueJSON (strings). Returns: Promise<void>.
func storePut(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("storePut: bucket, key, valueJSON required")
	}
	bucket, key, value := args[0].String(), args[1].String(), args[2].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		if err := backend.Put(context.Background(), bucket, key, []byte(value)); err != nil {
			rejectWith(reject, "storePut", err)
			return
		}
		resolve.Invoke(js.Undefined())
	}()
	return promise
}

// storeGet: Args: bucket, key (strings). Returns: Promise<JSON string|null>.
func storeGet(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("storeGet: bucket, key required")
	}
	bucket, key := args[0].String(), args[1].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		value, ok, err := backend.Get(context.Background(), bucket, key)
		if err != nil {
			rejectWith(reject, "storeGet", err)
			return
		}
		if !ok {
			resolve.Invoke(js.Null())
			return
		}
		resolve.Invoke(string(value))
	}()
	return promise
}

// storeDelete: Args: bucket, key (strings). Returns: Promise<void>.
func storeDelete(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("storeDelete: bucket, key required")
	}
	bucket, key := args[0].String(), args[1].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		if err := backend.Delete(context.Background(), bucket, key); err != nil {
			rejectWith(reject, "storeDelete", err)
			return
		}
		resolve.Invoke(js.Undefined())
	}()
	return promise
}

// storeList: Args: bucket (string). Returns: Promise<JSON array of {key,value}>.
func storeList(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("storeList: bucket required")
	}
	bucket := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		type entry struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		var out []entry
		err := backend.ForEach(context.Background(), bucket, func(kv storage.KeyValue) error {
			out = append(out, entry{Key: kv.Key, Value: string(kv.Value)})
			return nil
		})
		if err != nil {
			rejectWith(reject, "storeList", err)
			return
		}
		jsonBytes, _ := json.Marshal(out)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// storeCount: Args: bucket (string). Returns: Promise<number>.
func storeCount(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("storeCount: bucket required")
	}
	bucket := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		n, err := backend.Count(context.Background(), bucket)
		if err != nil {
			rejectWith(reject, "storeCount", err)
			return
		}
		resolve.Invoke(n)
	}()
	return promise
}

func indexFor(bucket string, dims int) *hnsw.Index {
	indexMu.Lock()
	defer indexMu.Unlock()
	idx, ok := indexes[bucket]
	if !ok {
		idx = hnsw.New(hnsw.DefaultParams(dims), nil)
		indexes[bucket] = idx
	}
	return idx
}

// indexInsert: Args: bucket, id (strings), vectorJSON (JSON array of float).
// Returns: Promise<void>.
func indexInsert(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("indexInsert: bucket, id, vectorJSON required")
	}
	bucket, id, vectorJSON := args[0].String(), args[1].String(), args[2].String()

	promise, resolve, reject := makePromise()
	go func() {
		var vector []float32
		if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
			rejectWith(reject, "indexInsert", err)
			return
		}
		idx := indexFor(bucket, len(vector))
		if err := idx.Insert(id, vector); err != nil {
			rejectWith(reject, "indexInsert", err)
			return
		}
		resolve.Invoke(js.Undefined())
	}()
	return promise
}

// indexSearch: Args: bucket (string), vectorJSON (JSON array of float), k (number).
// Returns: Promise<JSON array of {ID, Distance}>.
func indexSearch(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("indexSearch: bucket, vectorJSON, k required")
	}
	bucket, vectorJSON, k := args[0].String(), args[1].String(), args[2].Int()

	promise, resolve, reject := makePromise()
	go func() {
		var vector []float32
		if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
			rejectWith(reject, "indexSearch", err)
			return
		}
		idx := indexFor(bucket, len(vector))
		results, err := idx.Search(vector, k, 0)
		if err != nil {
			rejectWith(reject, "indexSearch", err)
			return
		}
		jsonBytes, _ := json.Marshal(results)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// indexDelete: Args: bucket, id (strings). Returns: Promise<void>.
func indexDelete(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("indexDelete: bucket, id required")
	}
	bucket, id := args[0].String(), args[1].String()

	promise, resolve, reject := makePromise()
	go func() {
		indexMu.Lock()
		idx, ok := indexes[bucket]
		indexMu.Unlock()
		if !ok {
			resolve.Invoke(js.Undefined())
			return
		}
		if err := idx.Delete(id); err != nil {
			rejectWith(reject, "indexDelete", err)
			return
		}
		resolve.Invoke(js.Undefined())
	}()
	return promise
}

// indexSize: Args: bucket (string). Returns: number (synchronous, no I/O).
func indexSize(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("indexSize: bucket required")
	}
	indexMu.Lock()
	idx, ok := indexes[args[0].String()]
	indexMu.Unlock()
	if !ok {
		return 0
	}
	return idx.Size()
}

// versionWrite: Args: entityUUID, previousJSON, currentJSON (strings),
// snapshotCadence (number). previousJSON may be "" for a first write.
// Returns: Promise<number> (the new version number).
func versionWrite(this js.Value, args []js.Value) interface{} {
	if len(args) < 4 {
		return errorResult("versionWrite: entityUUID, previousJSON, currentJSON, snapshotCadence required")
	}
	entityUUID := args[0].String()
	previousJSON := args[1].String()
	currentJSON := args[2].String()
	cadence := args[3].Int()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		var previous, current any
		if previousJSON != "" {
			if err := json.Unmarshal([]byte(previousJSON), &previous); err != nil {
				rejectWith(reject, "versionWrite", err)
				return
			}
		}
		if err := json.Unmarshal([]byte(currentJSON), &current); err != nil {
			rejectWith(reject, "versionWrite", err)
			return
		}
		n, err := versions.Write(context.Background(), entityUUID, previous, current, cadence, time.Now())
		if err != nil {
			rejectWith(reject, "versionWrite", err)
			return
		}
		resolve.Invoke(n)
	}()
	return promise
}

// versionHistory: Args: entityUUID (string). Returns: Promise<JSON array of EntityVersion>.
func versionHistory(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("versionHistory: entityUUID required")
	}
	entityUUID := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		history, err := versions.GetHistory(context.Background(), entityUUID)
		if err != nil {
			rejectWith(reject, "versionHistory", err)
			return
		}
		jsonBytes, _ := json.Marshal(history)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// versionReconstruct: Args: entityUUID (string), atTimestampMillis (number,
// 0 means now). Returns: Promise<JSON state>.
func versionReconstruct(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("versionReconstruct: entityUUID required")
	}
	entityUUID := args[0].String()
	at := time.Now()
	if len(args) > 1 && args[1].Int() > 0 {
		at = time.UnixMilli(int64(args[1].Int()))
	}

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		state, err := versions.Reconstruct(context.Background(), entityUUID, at)
		if err != nil {
			rejectWith(reject, "versionReconstruct", err)
			return
		}
		jsonBytes, _ := json.Marshal(state)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// edgeSave: Args: sourceUUID, targetUUID, edgeType, metadataJSON (strings),
// replace (bool). Returns: Promise<void>.
func edgeSave(this js.Value, args []js.Value) interface{} {
	if len(args) < 5 {
		return errorResult("edgeSave: sourceUUID, targetUUID, edgeType, metadataJSON, replace required")
	}
	e := edge.Edge{
		SourceUUID: args[0].String(),
		TargetUUID: args[1].String(),
		EdgeType:   args[2].String(),
	}
	if metaJSON := args[3].String(); metaJSON != "" {
		json.Unmarshal([]byte(metaJSON), &e.Metadata)
	}
	replace := args[4].Bool()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		if err := edges.Save(context.Background(), e, replace); err != nil {
			rejectWith(reject, "edgeSave", err)
			return
		}
		resolve.Invoke(js.Undefined())
	}()
	return promise
}

// edgeDelete: Args: sourceUUID, targetUUID, edgeType (strings). Returns: Promise<bool>.
func edgeDelete(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("edgeDelete: sourceUUID, targetUUID, edgeType required")
	}
	source, target, edgeType := args[0].String(), args[1].String(), args[2].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		removed, err := edges.DeleteEdge(context.Background(), source, target, edgeType)
		if err != nil {
			rejectWith(reject, "edgeDelete", err)
			return
		}
		resolve.Invoke(removed)
	}()
	return promise
}

// edgeFindBySource: Args: uuid (string). Returns: Promise<JSON array of Edge>.
func edgeFindBySource(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("edgeFindBySource: uuid required")
	}
	uuid := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		found, err := edges.FindBySource(context.Background(), uuid)
		if err != nil {
			rejectWith(reject, "edgeFindBySource", err)
			return
		}
		jsonBytes, _ := json.Marshal(found)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// edgeFindByTarget: Args: uuid (string). Returns: Promise<JSON array of Edge>.
func edgeFindByTarget(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("edgeFindByTarget: uuid required")
	}
	uuid := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		found, err := edges.FindByTarget(context.Background(), uuid)
		if err != nil {
			rejectWith(reject, "edgeFindByTarget", err)
			return
		}
		jsonBytes, _ := json.Marshal(found)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// edgeFindBetween: Args: sourceUUID, targetUUID (strings). Returns: Promise<JSON array of Edge>.
func edgeFindBetween(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("edgeFindBetween: sourceUUID, targetUUID required")
	}
	source, target := args[0].String(), args[1].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		found, err := edges.FindBetween(context.Background(), source, target)
		if err != nil {
			rejectWith(reject, "edgeFindBetween", err)
			return
		}
		jsonBytes, _ := json.Marshal(found)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// edgeTraverse: Args: startUUID (string), depth (number), direction
// ("outgoing"|"incoming"|"both"). Returns: Promise<JSON map uuid->depth>.
func edgeTraverse(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("edgeTraverse: startUUID, depth, direction required")
	}
	start := args[0].String()
	depth := args[1].Int()
	direction := edge.Direction(args[2].String())

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		reached, err := edges.Traverse(context.Background(), start, depth, direction)
		if err != nil {
			rejectWith(reject, "edgeTraverse", err)
			return
		}
		jsonBytes, _ := json.Marshal(reached)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// eventPublish: Args: kind, correlationID (strings), payloadJSON (string,
// may be ""). Returns: Promise<void>; rejects with the fan-out error message
// if any subscriber handler failed.
func eventPublish(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("eventPublish: kind, correlationID required")
	}
	e := eventbus.Event{Kind: args[0].String(), CorrelationID: args[1].String()}
	if len(args) > 2 && args[2].String() != "" {
		json.Unmarshal([]byte(args[2].String()), &e.Payload)
	}

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		if err := bus.Publish(context.Background(), e); err != nil {
			rejectWith(reject, "eventPublish", err)
			return
		}
		resolve.Invoke(js.Undefined())
	}()
	return promise
}

// eventList: Returns: Promise<JSON array of Event>.
func eventList(this js.Value, args []js.Value) interface{} {
	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		all, err := bus.GetAll(context.Background())
		if err != nil {
			rejectWith(reject, "eventList", err)
			return
		}
		jsonBytes, _ := json.Marshal(all)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// eventFindByCorrelationID: Args: correlationID (string). Returns: Promise<JSON array of Event>.
func eventFindByCorrelationID(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("eventFindByCorrelationID: correlationID required")
	}
	correlationID := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if !requireBackend(reject) {
			return
		}
		found, err := bus.FindByCorrelationID(context.Background(), correlationID)
		if err != nil {
			rejectWith(reject, "eventFindByCorrelationID", err)
			return
		}
		jsonBytes, _ := json.Marshal(found)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}
