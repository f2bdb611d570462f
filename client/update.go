package client

import (
	"fmt"

	"github.com/dougsteed/wdmclient/events"
	"github.com/dougsteed/wdmclient/exchange"
	"github.com/dougsteed/wdmclient/pathstore"
	"github.com/dougsteed/wdmclient/stats"
	"github.com/dougsteed/wdmclient/tlv"
	"github.com/dougsteed/wdmclient/traits"
	"github.com/dougsteed/wdmclient/wire"
)

// updatableTrait is the per-trait-instance update state.
type updatableTrait struct {
	handle traits.TraitDataHandle
	sink   traits.UpdatableDataSink

	dirty bool

	// candidate is the path currently being encoded.
	candidate traits.PropertyPathHandle

	// nextDictionaryElement is the dictionary resume cursor;
	// NullPropertyPathHandle means no overflow is in progress.
	nextDictionaryElement traits.PropertyPathHandle

	potentialDataLoss bool
}

// updateRequestContext is the encoder scratch state for one request.
type updateRequestContext struct {
	curTraitInstanceIdx int
	ti                  *updatableTrait
	isPartialUpdate     bool
	forceMerge          bool
}

// completion is a deferred UpdateComplete emission, collected under the
// update lock and delivered after it is dropped so the lock is never held
// across an application callback.
type completion struct {
	path    traits.TraitPath
	profile uint32
	status  uint16
	reason  error
}

func (c *Client) lockUpdates() {
	if c.lock != nil {
		c.lock.Lock()
	}
}

func (c *Client) unlockUpdates() {
	if c.lock != nil {
		c.lock.Unlock()
	}
}

func (c *Client) emitCompletions(comps []completion) {
	for _, cp := range comps {
		stats.UpdatePathCompleted(c.id)
		c.emit(events.UpdateComplete{Path: cp.path, Profile: cp.profile, Status: cp.status, Reason: cp.reason})
	}
}

// initUpdatableTraits builds the trait-instance pool from the catalog's
// updatable sinks.
func (c *Client) initUpdatableTraits() error {
	if c.catalog == nil {
		return nil
	}
	var err error
	c.catalog.Iterate(func(h traits.TraitDataHandle, s traits.DataSink) bool {
		u, ok := s.(traits.UpdatableDataSink)
		if !ok {
			return true
		}
		if len(c.traitInstances) >= maxUpdatableTraits {
			c.log.Error("out of updatable trait instances", "trait", h)
			err = ErrNoMemory
			return false
		}
		u.SetUpdateRequiredVersion(0)
		c.traitInstances = append(c.traitInstances, &updatableTrait{handle: h, sink: u})
		return true
	})
	return err
}

// SetMaxUpdateSize bounds one update request payload. Values above 65535
// bytes mean unbounded.
func (c *Client) SetMaxUpdateSize(size uint32) {
	if size > 0xFFFF {
		c.maxUpdateSize = 0
	} else {
		c.maxUpdateSize = int(size)
	}
}

func (c *Client) traitInstance(h traits.TraitDataHandle) *updatableTrait {
	for _, ti := range c.traitInstances {
		if ti.handle == h {
			return ti
		}
	}
	return nil
}

// SetUpdated marks a property of an updatable sink as locally mutated. A
// conditional mutation is predicated on the sink's current version and is
// rejected while that version is invalid. When the pending store is full the
// mutation is dropped without error and is not recorded: no completion
// callback reports the dropped path.
func (c *Client) SetUpdated(sink traits.UpdatableDataSink, prop traits.PropertyPathHandle, conditional bool) error {
	c.lockUpdates()
	defer c.unlockUpdates()

	if conditional && !sink.IsVersionValid() {
		c.log.Info("rejected mutation: no valid version for conditional update")
		return ErrIncorrectState
	}

	schema := sink.Schema()
	handle, err := c.catalog.HandleOf(sink)
	if err != nil {
		return err
	}

	if c.pending.IsFull() {
		c.log.Info("pending update store full, skipping", "trait", handle, "property", prop)
		return nil
	}

	if conditional && !c.pending.ContainsTrait(handle) && !c.dispatched.ContainsTrait(handle) {
		required := sink.Version()
		sink.SetUpdateRequiredVersion(required)
		c.log.Debug("set update required version", "version", required)
	}

	// A mutation inside a dictionary must be encoded as a merge, or the
	// rest of the dictionary would be replaced away.
	forceMerge := schema.IsDictionary(schema.Parent(prop))
	c.addItemPendingUpdateStore(traits.TraitPath{Trait: handle, Property: prop}, schema, forceMerge)

	sink.SetConditionalUpdate(conditional)
	return nil
}

// addItemPendingUpdateStore adds a path to the pending store, collapsing to
// the root entry when one exists and dropping paths already covered by an
// ancestor. Caller holds the update lock.
func (c *Client) addItemPendingUpdateStore(path traits.TraitPath, schema traits.SchemaEngine, forceMerge bool) bool {
	var flags pathstore.Flags
	if forceMerge {
		flags |= pathstore.FlagForceMerge
	}
	if !c.pending.Add(path, flags) {
		c.log.Info("pending update store full, skipping", "trait", path.Trait, "property", path.Property)
		return false
	}

	root := traits.TraitPath{Trait: path.Trait, Property: traits.RootPropertyPathHandle}
	if c.pending.Contains(root) {
		c.log.Debug("root already updated, merging trait to root", "trait", path.Trait)
		c.pending.RemoveTrait(path.Trait)
		c.pending.Add(root, 0)
	} else {
		c.removeRedundantPending(path.Trait, schema)
	}

	if ti := c.traitInstance(path.Trait); ti != nil {
		ti.dirty = true
		if forceMerge {
			// Not even the dictionary's own path may fit the payload; call
			// the request partial up front.
			c.reqCtx.isPartialUpdate = true
		}
	}
	return true
}

// removeRedundantPending drops pending entries of a trait that duplicate or
// descend from another pending entry of the same trait.
func (c *Client) removeRedundantPending(trait traits.TraitDataHandle, schema traits.SchemaEngine) {
	for i := 0; i < c.pending.Capacity(); i++ {
		if !c.pending.IsValid(i) || c.pending.At(i).Trait != trait {
			continue
		}
		pi := c.pending.At(i).Property
		for j := 0; j < c.pending.Capacity(); j++ {
			if j == i || !c.pending.IsValid(j) || c.pending.At(j).Trait != trait {
				continue
			}
			pj := c.pending.At(j).Property
			if pj == pi && j < i {
				// Exact duplicate; keep the earlier slot.
				c.pending.RemoveAt(i)
				break
			}
			if schema.IsParent(pi, pj) {
				c.log.Debug("merging pending path into ancestor", "trait", trait, "property", pi, "ancestor", pj)
				c.pending.RemoveAt(i)
				break
			}
		}
	}
}

// FlushUpdate starts sending the pending updates. A no-op if a flush is
// already in progress or nothing is pending.
func (c *Client) FlushUpdate() error {
	c.lockUpdates()
	if c.flushInProgress {
		c.unlockUpdates()
		c.log.Debug("flush already in progress, skipping")
		return nil
	}
	if c.pending.IsEmpty() {
		c.unlockUpdates()
		c.log.Debug("update queue empty, skipping")
		return nil
	}
	c.flushInProgress = true
	c.unlockUpdates()

	err := c.formAndSendUpdate(false)
	if err != nil {
		c.flushInProgress = false
	}
	return err
}

// DiscardUpdates drops every pending and dispatched path without callbacks.
func (c *Client) DiscardUpdates() {
	c.lockUpdates()
	defer c.unlockUpdates()
	c.pending.Clear()
	c.dispatched.Clear()
	for _, ti := range c.traitInstances {
		ti.dirty = false
		ti.candidate = traits.NullPropertyPathHandle
		ti.nextDictionaryElement = traits.NullPropertyPathHandle
	}
	c.reqCtx.isPartialUpdate = false
	c.flushInProgress = false
}

// formAndSendUpdate sends one update request if the client is established
// and idle with nothing in flight. With notifyOnError the application gets
// an UpdateComplete carrying any failure.
func (c *Client) formAndSendUpdate(notifyOnError bool) error {
	if !c.IsEstablishedIdle() {
		c.log.Debug("client not active, not sending update")
		return nil
	}
	if c.updateInFlight {
		c.log.Debug("update already in flight")
		return nil
	}

	err := c.sendSingleUpdateRequest()

	if notifyOnError && err != nil {
		c.emit(events.UpdateComplete{Reason: err})
	}
	return err
}

type buildResult struct {
	overflow bool
	fatalErr error
}

// sendSingleUpdateRequest drains at most one trait instance's dirty paths
// into a request and sends it.
func (c *Client) sendSingleUpdateRequest() error {
	c.reqCtx.isPartialUpdate = false

	b, err := wire.NewUpdateRequestBuilder(c.maxUpdateSize)
	if err != nil {
		return err
	}

	c.lockUpdates()
	res := c.buildSingleUpdateRequestDataList(b)
	c.unlockUpdates()

	if res.fatalErr != nil {
		// The offending trait's paths are already cleared.
		c.log.Info("update element cannot be encoded", "err", res.fatalErr)
		c.emit(events.UpdateComplete{Reason: res.fatalErr})
		if c.IsEstablishedIdle() {
			c.handleSubscriptionTerminated(c.IsRetryEnabled(), res.fatalErr, nil)
		}
		return res.fatalErr
	}

	if b.Count() == 0 {
		return nil
	}

	payload, err := b.Finish()
	if err != nil {
		return err
	}
	if err := c.replaceExchangeContext(roleUpdate); err != nil {
		return err
	}

	msgType := wire.MsgUpdateRequest
	if c.reqCtx.isPartialUpdate {
		msgType = wire.MsgPartialUpdateRequest
	}
	if err := c.ec.Send(wire.ProfileWDM, msgType, payload, exchange.FlagExpectResponse); err != nil {
		return err
	}
	c.updateInFlight = true
	stats.UpdateRequestSent(c.id, c.reqCtx.isPartialUpdate)
	c.log.Debug("sent update request", "elements", b.Count(), "partial", c.reqCtx.isPartialUpdate)
	return nil
}

// buildSingleUpdateRequestDataList encodes one trait instance's dirty paths
// into the builder. The scan starts at the current trait-instance cursor
// and wraps; a dictionary mid-overflow resumes first. Caller holds the
// update lock.
func (c *Client) buildSingleUpdateRequestDataList(b *wire.UpdateRequestBuilder) buildResult {
	var res buildResult
	var err error
	var ti *updatableTrait
	overflow := false
	foundDirty := false
	numHandled := 0

	n := len(c.traitInstances)
	for !foundDirty && numHandled < n {
		ti = c.traitInstances[c.reqCtx.curTraitInstanceIdx]
		c.reqCtx.ti = ti

		if !ti.dirty {
			numHandled++
			c.reqCtx.curTraitInstanceIdx = (c.reqCtx.curTraitInstanceIdx + 1) % n
			continue
		}
		foundDirty = true
		schema := ti.sink.Schema()

		if ti.nextDictionaryElement != traits.NullPropertyPathHandle {
			// Resume the overflowed dictionary before anything else.
			ti.candidate = schema.Parent(ti.nextDictionaryElement)
			c.log.Debug("resuming dictionary encoding", "trait", ti.handle, "candidate", ti.candidate)
			c.reqCtx.forceMerge = true
			if err = c.dirtyPathToDataElement(b, ti); err != nil {
				break
			}
			if ti.nextDictionaryElement != traits.NullPropertyPathHandle {
				overflow = true
				break
			}
		}

		i := 0
		for i < c.pending.Capacity() {
			if !(c.pending.IsValid(i) && c.pending.At(i).Trait == ti.handle) {
				i++
				continue
			}
			ti.candidate = c.pending.At(i).Property
			wasForceMerge := c.pending.IsForceMerge(i)
			c.reqCtx.forceMerge = wasForceMerge
			c.pending.RemoveAt(i)

			if err = c.dirtyPathToDataElement(b, ti); err != nil {
				// Put the path back; it is either retried after the
				// response or cleared below on a fatal error.
				var flags pathstore.Flags
				if wasForceMerge {
					flags |= pathstore.FlagForceMerge
				}
				c.pending.Add(traits.TraitPath{Trait: ti.handle, Property: ti.candidate}, flags)
				break
			}
			if ti.nextDictionaryElement != traits.NullPropertyPathHandle {
				overflow = true
				break
			}
			// Restart the scan from slot 0 after each emitted element.
			i = 0
		}

		if err == nil && !overflow {
			ti.dirty = false
		}
	}

	if err == nil {
		c.reqCtx.isPartialUpdate = c.reqCtx.isPartialUpdate || overflow
		res.overflow = overflow
		return res
	}

	if b.Count() > 0 {
		// The payload is full; what did not fit stays pending for the next
		// request.
		c.log.Debug("suppressing update encode error, will try again later", "err", err)
		return res
	}

	// A single element is too big to ever fit, or the encode is broken.
	res.fatalErr = err
	c.pending.RemoveTrait(ti.handle)
	c.dispatched.RemoveTrait(ti.handle)
	ti.sink.SetUpdateRequiredVersion(0)
	ti.sink.ClearVersion()
	ti.nextDictionaryElement = traits.NullPropertyPathHandle
	return res
}

// dirtyPathToDataElement encodes the trait's candidate path as one data
// element and moves it to the dispatched store. Caller holds the update
// lock.
func (c *Client) dirtyPathToDataElement(b *wire.UpdateRequestBuilder, ti *updatableTrait) error {
	schema := ti.sink.Schema()

	tags, err := schema.PathTags(ti.candidate)
	if err != nil {
		return err
	}

	// A whole dictionary is sent with the "replace" scheme: the element's
	// path points at the dictionary's parent and the data is a structure
	// holding the dictionary under its own tag.
	isDictReplace := schema.IsDictionary(ti.candidate) && !c.reqCtx.forceMerge
	var dictTag uint64
	if isDictReplace {
		if len(tags) == 0 {
			return ErrSchemaMismatch
		}
		dictTag = tags[len(tags)-1]
		tags = tags[:len(tags)-1]
	}

	res, err := c.catalog.ResourceID(ti.handle)
	if err != nil {
		return err
	}
	inst, err := c.catalog.InstanceID(ti.handle)
	if err != nil {
		return err
	}
	wp := wire.Path{
		Addr: traits.Address{Resource: res, Profile: schema.ProfileID(), Instance: inst},
		Tags: tags,
	}

	resume := ti.nextDictionaryElement
	next := traits.NullPropertyPathHandle

	err = b.AddElement(wp, ti.sink.UpdateRequiredVersion(), func(w *tlv.Writer, tag uint64) error {
		if isDictReplace {
			if err := w.StartStructure(tag); err != nil {
				return err
			}
			n, err := ti.sink.ReadData(ti.candidate, dictTag, w, resume)
			if err != nil {
				return err
			}
			next = n
			return w.EndContainer()
		}
		n, err := ti.sink.ReadData(ti.candidate, tag, w, resume)
		if err != nil {
			return err
		}
		next = n
		return nil
	})
	if err != nil {
		return err
	}
	ti.nextDictionaryElement = next

	var flags pathstore.Flags
	if c.reqCtx.forceMerge {
		flags = pathstore.FlagForceMerge
	}
	if resume != traits.NullPropertyPathHandle {
		// A resumed dictionary is an internal continuation; the
		// application already heard about the original path.
		flags |= pathstore.FlagPrivate
	}
	if !c.dispatched.Add(traits.TraitPath{Trait: ti.handle, Property: ti.candidate}, flags) {
		return ErrNoMemory
	}
	c.reqCtx.forceMerge = false
	return nil
}

// onUpdateExchangeMessage handles the reply on an update exchange. The
// caller has already flushed the exchange.
func (c *Client) onUpdateExchangeMessage(status *wire.StatusReport) error {
	if status == nil {
		return ErrInvalidMessageType
	}
	if status.Profile == wire.ProfileCommon && status.Status == wire.StatusContinue {
		// The responder accepted a partial request and wants the rest.
		c.log.Debug("update continue")
		c.updateInFlight = false
		_ = c.formAndSendUpdate(true)
		return nil
	}
	c.onUpdateConfirm(status)
	return nil
}

// onUpdateConfirm correlates an update response against the dispatched
// store, in store order.
func (c *Client) onUpdateConfirm(status *wire.StatusReport) {
	var comps []completion
	var err error
	needResub := false
	sendMore := false

	c.lockUpdates()
	c.updateInFlight = false
	c.abandonPartialUpdate()

	wholeOK := status.Success()
	c.log.Debug("update confirm", "profile", status.Profile, "status", status.Status, "wholeOK", wholeOK)

	resp := &wire.UpdateResponse{}
	if len(status.AdditionalInfo) > 0 {
		resp, err = wire.ParseUpdateResponse(status.AdditionalInfo)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrMalformedUpdateResponse, err)
		}
	}

	if err == nil && wholeOK && !(resp.HasVersionList() && resp.HasStatusList()) {
		c.log.Info("update response missing version or status list")
		err = ErrMalformedUpdateResponse
	}

	if err == nil {
		vi, si := 0, 0
		for j := 0; j < c.dispatched.Capacity(); j++ {
			if !c.dispatched.IsValid(j) {
				continue
			}

			versionCreated := uint64(0)
			profile, code := wire.ProfileCommon, wire.StatusSuccess
			if resp.HasVersionList() {
				if vi >= len(resp.Versions) {
					err = fmt.Errorf("%w: version list shorter than dispatched paths", ErrMalformedUpdateResponse)
					break
				}
				versionCreated = resp.Versions[vi]
				vi++
			}
			if !wholeOK {
				if resp.HasStatusList() {
					if si >= len(resp.Statuses) {
						err = fmt.Errorf("%w: status list shorter than dispatched paths", ErrMalformedUpdateResponse)
						break
					}
					profile, code = resp.Statuses[si].Profile, resp.Statuses[si].Status
					si++
				} else {
					profile, code = status.Profile, status.Status
				}
			}

			path := c.dispatched.At(j)
			ti := c.traitInstance(path.Trait)
			if ti == nil {
				err = ErrIncorrectState
				break
			}

			if !c.dispatched.IsPrivate(j) {
				var reason error
				if profile == wire.ProfileWDM && code == wire.StatusVersionMismatch {
					reason = ErrVersionMismatch
				}
				comps = append(comps, completion{path: path, profile: profile, status: code, reason: reason})
			}
			c.dispatched.RemoveAt(j)

			sink := ti.sink
			if profile == wire.ProfileCommon && code == wire.StatusSuccess {
				if sink.IsConditionalUpdate() {
					if c.pending.Contains(path) {
						// More mutations of the same path ride on the
						// version this update just created.
						sink.SetUpdateRequiredVersion(versionCreated)
					} else {
						sink.SetUpdateRequiredVersion(0)
					}
				}
				if sink.IsVersionValid() && versionCreated == sink.Version() && ti.potentialDataLoss {
					c.log.Debug("clearing potential data loss", "trait", path.Trait)
					ti.potentialDataLoss = false
				}
			} else {
				// Clearing the version forces a resubscribe to recover, and
				// fails remaining conditional pending paths in the purge.
				sink.ClearVersion()
			}
		}
	}

	if err != nil {
		comps = append(comps, c.takeClearCompletions(c.dispatched, err)...)
	}

	comps = append(comps, c.purgePendingUpdateLocked()...)

	if !c.pending.IsEmpty() {
		sendMore = true
	} else {
		c.flushInProgress = false
		for _, ti := range c.traitInstances {
			if ti.potentialDataLoss {
				c.log.Info("potential data loss", "trait", ti.handle)
				ti.sink.ClearVersion()
				needResub = true
			}
		}
	}
	c.unlockUpdates()

	c.emitCompletions(comps)

	if sendMore {
		_ = c.formAndSendUpdate(true)
	} else if needResub && c.IsEstablishedIdle() {
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), ErrPotentialDataLoss, nil)
	}
}

// onUpdateResponseTimeout handles the case that the request may never have
// reached the responder: dispatched paths go back to pending and are
// retried after a clean resubscribe.
func (c *Client) onUpdateResponseTimeout(reason error) {
	var comps []completion

	c.lockUpdates()
	c.updateInFlight = false
	c.abandonPartialUpdate()

	for j := 0; j < c.dispatched.Capacity(); j++ {
		if c.dispatched.IsValid(j) && !c.dispatched.IsPrivate(j) {
			comps = append(comps, completion{
				path:    c.dispatched.At(j),
				profile: wire.ProfileCommon,
				status:  wire.StatusTimeout,
				reason:  ErrTimeout,
			})
		}
	}

	if err := c.moveDispatchedToPending(); err != nil {
		// Cannot re-queue everything; fail the lot rather than retry a
		// half-remembered update.
		comps = append(comps, c.takeClearCompletions(c.dispatched, ErrNoMemory)...)
		comps = append(comps, c.takeClearCompletions(c.pending, ErrNoMemory)...)
	} else {
		comps = append(comps, c.purgePendingUpdateLocked()...)
	}

	pendingRemains := !c.pending.IsEmpty()
	c.unlockUpdates()

	c.emitCompletions(comps)

	if pendingRemains && c.IsEstablishedIdle() {
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), reason, nil)
	}
}

// abandonPartialUpdate drops the dictionary cursor of a long update whose
// outcome has arrived. Caller holds the update lock.
func (c *Client) abandonPartialUpdate() {
	if !c.reqCtx.isPartialUpdate {
		return
	}
	c.log.Debug("abandoning partial update in progress")
	c.reqCtx.isPartialUpdate = false
	if ti := c.reqCtx.ti; ti != nil {
		ti.candidate = traits.NullPropertyPathHandle
		ti.nextDictionaryElement = traits.NullPropertyPathHandle
	}
}

// moveDispatchedToPending puts non-private dispatched paths back into the
// pending store; private continuations are re-created during re-encoding.
// Caller holds the update lock.
func (c *Client) moveDispatchedToPending() error {
	for i := 0; i < c.dispatched.Capacity(); i++ {
		if !c.dispatched.IsValid(i) {
			continue
		}
		path := c.dispatched.At(i)
		if !c.dispatched.IsPrivate(i) {
			sink, err := c.catalog.Locate(path.Trait)
			if err != nil {
				return err
			}
			if !c.addItemPendingUpdateStore(path, sink.Schema(), false) {
				return ErrNoMemory
			}
		}
		c.dispatched.RemoveAt(i)
	}
	return nil
}

// purgePendingUpdateLocked fails the pending conditional paths of every
// trait whose cached version is gone or older than the update requires.
// Caller holds the update lock; the returned completions are emitted after
// it is dropped.
func (c *Client) purgePendingUpdateLocked() []completion {
	var comps []completion

	for _, ti := range c.traitInstances {
		sink := ti.sink
		if !(ti.dirty && c.pending.ContainsTrait(ti.handle) && sink.IsConditionalUpdate()) {
			continue
		}

		current := sink.Version()
		required := sink.UpdateRequiredVersion()
		valid := sink.IsVersionValid()
		c.log.Debug("purge check", "trait", ti.handle, "version", current, "valid", valid, "required", required)

		if !valid || current < required {
			for i := 0; i < c.pending.Capacity(); i++ {
				if c.pending.IsValid(i) && c.pending.At(i).Trait == ti.handle && !c.pending.IsPrivate(i) {
					comps = append(comps, completion{
						path:    c.pending.At(i),
						profile: wire.ProfileWDM,
						status:  wire.StatusVersionMismatch,
						reason:  ErrVersionMismatch,
					})
				}
			}
			c.pending.RemoveTrait(ti.handle)
			sink.SetUpdateRequiredVersion(0)
			sink.ClearVersion()
		}
	}
	return comps
}

// takeClearCompletions empties a path store, producing a completion with
// the given reason for every non-private path. Caller holds the update
// lock.
func (c *Client) takeClearCompletions(store *pathstore.Store, reason error) []completion {
	var comps []completion
	for i := 0; i < store.Capacity(); i++ {
		if store.IsValid(i) && !store.IsPrivate(i) {
			comps = append(comps, completion{
				path:    store.At(i),
				profile: wire.ProfileCommon,
				status:  wire.StatusInternalError,
				reason:  reason,
			})
		}
	}
	store.Clear()
	return comps
}

// clearPathStore empties a store and notifies the application for every
// non-private path.
func (c *Client) clearPathStore(store *pathstore.Store, reason error) {
	c.lockUpdates()
	comps := c.takeClearCompletions(store, reason)
	c.unlockUpdates()
	c.emitCompletions(comps)
}

// checkPotentialDataLoss flags a trait whose in-flight or pending update
// paths a notification just intersected.
func (c *Client) checkPotentialDataLoss(h traits.TraitDataHandle, prop traits.PropertyPathHandle, schema traits.SchemaEngine) {
	path := traits.TraitPath{Trait: h, Property: prop}
	if c.dispatched.Intersects(path, schema) || c.pending.Intersects(path, schema) {
		if ti := c.traitInstance(h); ti != nil {
			ti.potentialDataLoss = true
		}
	}
}

// shutdownUpdateEngine resets all per-subscription update state on abort.
func (c *Client) shutdownUpdateEngine() {
	c.updateInFlight = false
	c.flushInProgress = false
	c.reqCtx = updateRequestContext{}
	for _, ti := range c.traitInstances {
		ti.dirty = false
		ti.candidate = traits.NullPropertyPathHandle
		ti.nextDictionaryElement = traits.NullPropertyPathHandle
		ti.potentialDataLoss = false
		ti.sink.SetUpdateRequiredVersion(0)
	}
}
