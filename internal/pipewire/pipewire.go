//go:build linux

// Package pipewire is the capture producer collaborator: it attaches
// to the PipeWire node handed back by the desktop portal, negotiates a
// video format (raw memory or DMA-BUF), and turns state changes and
// delivered buffers into frame.StreamEvent values.
//
// The pw_* entry points are resolved with dlopen/dlsym at runtime, and
// IsAvailable reports whether that load succeeded before any stream is
// created. The cgo directives still name libpipewire-0.3 through
// pkg-config, so building this package needs its development files.
package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/props.h>
#include <spa/buffer/meta.h>
#include <spa/debug/types.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>
#include <sys/eventfd.h>
#include <unistd.h>

// ---- dynamically loaded pw_* entry points --------------------------------

static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_main_loop * (*d_pw_main_loop_new)(const struct spa_dict *props);
static struct pw_loop * (*d_pw_main_loop_get_loop)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_quit)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_run)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_destroy)(struct pw_main_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static int (*d_pw_stream_update_params)(struct pw_stream *stream, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static int (*d_pw_stream_set_active)(struct pw_stream *stream, bool active);
static int (*d_pw_stream_disconnect)(struct pw_stream *stream);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);
static enum pw_stream_state (*d_pw_stream_get_state)(struct pw_stream *stream, const char **error);

static void* pw_lib_handle = NULL;

static int load_pipewire() {
    if (pw_lib_handle != NULL) return 1;

    const char* lib_names[] = {
        "libpipewire-0.3.so.0",
        "libpipewire-0.3.so",
        NULL
    };

    for (int i = 0; lib_names[i] != NULL; i++) {
        pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
        if (pw_lib_handle) break;
    }
    if (!pw_lib_handle) return 0;

    d_pw_init = dlsym(pw_lib_handle, "pw_init");
    d_pw_main_loop_new = dlsym(pw_lib_handle, "pw_main_loop_new");
    d_pw_main_loop_get_loop = dlsym(pw_lib_handle, "pw_main_loop_get_loop");
    d_pw_main_loop_quit = dlsym(pw_lib_handle, "pw_main_loop_quit");
    d_pw_main_loop_run = dlsym(pw_lib_handle, "pw_main_loop_run");
    d_pw_main_loop_destroy = dlsym(pw_lib_handle, "pw_main_loop_destroy");
    d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
    d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
    d_pw_context_connect_fd = dlsym(pw_lib_handle, "pw_context_connect_fd");
    d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
    d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
    d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
    d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
    d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
    d_pw_stream_update_params = dlsym(pw_lib_handle, "pw_stream_update_params");
    d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
    d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
    d_pw_stream_set_active = dlsym(pw_lib_handle, "pw_stream_set_active");
    d_pw_stream_disconnect = dlsym(pw_lib_handle, "pw_stream_disconnect");
    d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");
    d_pw_stream_get_state = dlsym(pw_lib_handle, "pw_stream_get_state");

    if (!d_pw_init || !d_pw_main_loop_new || !d_pw_stream_new || !d_pw_stream_connect) {
        dlclose(pw_lib_handle);
        pw_lib_handle = NULL;
        return 0;
    }
    return 1;
}

// ---- Go callback trampolines ----------------------------------------------

extern void go_state_changed(int id, int old_state, int new_state);
extern void go_param_changed(int id, uint32_t param_id, uint32_t width, uint32_t height,
                              uint32_t rate_num, uint32_t rate_den, uint32_t format, int have_dmabuf);
extern void go_process_memory(int id, void *ptr, uint32_t size, uint32_t stride, uint32_t offset,
                               uint32_t width, uint32_t height, uint32_t format, uint64_t pts_ns, void *pwBuffer);
extern void go_process_dmabuf(int id, int fd, uint64_t total_size, uint64_t modifier,
                               uint32_t width, uint32_t height, uint32_t drm_format,
                               int plane_count, uint32_t *plane_offsets, uint32_t *plane_pitches,
                               uint64_t pts_ns, void *pwBuffer);
extern void go_cursor_meta(int id, int32_t x, int32_t y, uint32_t bw, uint32_t bh);

struct go_stream_data {
    int id;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
    struct timespec start_time;
    int started;
};

static uint64_t monotonic_ns_since(struct timespec *start) {
    struct timespec now;
    clock_gettime(CLOCK_MONOTONIC, &now);
    if (start->tv_sec == 0 && start->tv_nsec == 0) return 0;
    int64_t sec = now.tv_sec - start->tv_sec;
    int64_t nsec = now.tv_nsec - start->tv_nsec;
    return (uint64_t)(sec * 1000000000LL + nsec);
}

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct go_stream_data *data = userdata;
    if (state == PW_STREAM_STATE_STREAMING && data->start_time.tv_sec == 0 && data->start_time.tv_nsec == 0) {
        clock_gettime(CLOCK_MONOTONIC, &data->start_time);
    }
    go_state_changed(data->id, (int)old, (int)state);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct go_stream_data *data = userdata;
    if (param == NULL || id != SPA_PARAM_Format) return;

    struct spa_video_info_raw raw;
    memset(&raw, 0, sizeof(raw));
    uint32_t media_type, media_subtype;
    if (spa_format_parse(param, &media_type, &media_subtype) < 0) return;
    if (media_type != SPA_MEDIA_TYPE_video || media_subtype != SPA_MEDIA_SUBTYPE_raw) return;
    if (spa_format_video_raw_parse(param, &raw) < 0) return;

    int haveDmaBuf = spa_pod_find_prop(param, NULL, SPA_FORMAT_VIDEO_modifier) != NULL;

    go_param_changed(data->id, id, raw.size.width, raw.size.height,
                      raw.framerate.num, raw.framerate.denom, raw.format, haveDmaBuf);

    // Answer with the meta and buffer requirements this module needs:
    // per-buffer header timestamp, cursor bitmap metadata, and exactly
    // 16 buffers of whichever data type the negotiated format implies.
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
    uint32_t bufferTypes = (1 << SPA_DATA_MemPtr) | (1 << SPA_DATA_MemFd);
    if (haveDmaBuf) bufferTypes |= (1 << SPA_DATA_DmaBuf);

    const struct spa_pod *params[3];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_ParamMeta, SPA_PARAM_Meta,
        SPA_PARAM_META_type, SPA_POD_Id(SPA_META_Header),
        SPA_PARAM_META_size, SPA_POD_Int(sizeof(struct spa_meta_header)));
    params[1] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_ParamMeta, SPA_PARAM_Meta,
        SPA_PARAM_META_type, SPA_POD_Id(SPA_META_Cursor),
        SPA_PARAM_META_size, SPA_POD_CHOICE_RANGE_Int(
            sizeof(struct spa_meta_cursor) + sizeof(struct spa_meta_bitmap) + 24 * 24 * 4,
            sizeof(struct spa_meta_cursor) + sizeof(struct spa_meta_bitmap) + 1,
            sizeof(struct spa_meta_cursor) + sizeof(struct spa_meta_bitmap) + 256 * 256 * 4));
    params[2] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_ParamBuffers, SPA_PARAM_Buffers,
        SPA_PARAM_BUFFERS_buffers, SPA_POD_Int(16),
        SPA_PARAM_BUFFERS_dataType, SPA_POD_CHOICE_FLAGS_Int(bufferTypes));

    d_pw_stream_update_params(data->stream, params, 3);
}

static void on_process_c(void *userdata) {
    struct go_stream_data *data = userdata;
    if (!data->stream) return;
    if (d_pw_stream_get_state(data->stream, NULL) != PW_STREAM_STATE_STREAMING) return;

    struct pw_buffer *b = d_pw_stream_dequeue_buffer(data->stream);
    if (!b) return;

    struct spa_buffer *buf = b->buffer;
    if (buf->n_datas == 0) {
        d_pw_stream_queue_buffer(data->stream, b);
        return;
    }

    struct spa_meta_cursor *mcs = spa_buffer_find_meta_data(buf, SPA_META_Cursor, sizeof(*mcs));
    if (mcs && spa_meta_cursor_is_valid(mcs)) {
        uint32_t bw = 0, bh = 0;
        if (mcs->bitmap_offset >= sizeof(*mcs)) {
            struct spa_meta_bitmap *mb = SPA_PTROFF(mcs, mcs->bitmap_offset, struct spa_meta_bitmap);
            bw = mb->size.width;
            bh = mb->size.height;
        }
        go_cursor_meta(data->id, mcs->position.x, mcs->position.y, bw, bh);
    }

    uint64_t ptsNs = 0;
    struct spa_meta_header *header = spa_buffer_find_meta_data(buf, SPA_META_Header, sizeof(*header));
    if (header) {
        ptsNs = (uint64_t)header->pts;
    } else {
        ptsNs = monotonic_ns_since(&data->start_time);
    }

    struct spa_data *d = &buf->datas[0];
    if (d->type == SPA_DATA_MemPtr || d->type == SPA_DATA_MemFd) {
        if (d->data == NULL || d->chunk == NULL) {
            d_pw_stream_queue_buffer(data->stream, b);
            return;
        }
        go_process_memory(data->id, d->data, d->chunk->size, d->chunk->stride, d->chunk->offset,
                           0, 0, 0, ptsNs, b);
        // ownership of releasing the buffer back to PipeWire is now with
        // the Go side; see pipewire_release_buffer below.
        return;
    }
    if (d->type == SPA_DATA_DmaBuf) {
        unsigned int planeCount = buf->n_datas;
        if (planeCount > 4) planeCount = 4;
        uint32_t offsets[4] = {0};
        uint32_t pitches[4] = {0};
        for (unsigned int i = 0; i < planeCount; i++) {
            offsets[i] = buf->datas[i].chunk ? buf->datas[i].chunk->offset : 0;
            pitches[i] = buf->datas[i].chunk ? buf->datas[i].chunk->stride : 0;
        }
        go_process_dmabuf(data->id, d->fd, d->maxsize, 0, 0, 0, 0, (int)planeCount, offsets, pitches, ptsNs, b);
        return;
    }

    d_pw_stream_queue_buffer(data->stream, b);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

// pipewire_release_buffer hands a previously dequeued buffer back to
// PipeWire once the Go-side frame wrapping it has been released.
static void pipewire_release_buffer(struct pw_stream *stream, void *pwBuffer) {
    d_pw_stream_queue_buffer(stream, (struct pw_buffer *)pwBuffer);
}

static inline void wrap_pw_init() { d_pw_init(NULL, NULL); }
static inline struct pw_main_loop * wrap_pw_main_loop_new() { return d_pw_main_loop_new(NULL); }
static inline struct pw_context * wrap_pw_context_new(struct pw_main_loop *loop) {
    return d_pw_context_new(d_pw_main_loop_get_loop(loop), NULL, 0);
}
static inline struct pw_core * wrap_pw_context_connect_fd(struct pw_context *context, int fd) {
    return d_pw_context_connect_fd(context, fd, NULL, 0);
}

static struct pw_stream * create_stream(struct pw_core *core, const char *name, struct go_stream_data *data) {
    struct pw_properties *props = d_pw_properties_new(
        PW_KEY_MEDIA_TYPE, "Video",
        PW_KEY_MEDIA_CATEGORY, "Capture",
        PW_KEY_MEDIA_ROLE, "Screen",
        NULL);
    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        data->stream = stream;
        d_pw_stream_add_listener(stream, &data->stream_listener, &stream_events, data);
    }
    return stream;
}

// build_format_params fills params[0..1] with the video EnumFormat pod
// twice: once offering DMA-BUF modifiers (when supportDmaBuf), once as
// a memory-only fallback the compositor can pick when it cannot honor
// the first offer.
static int build_format_params(struct spa_pod_builder *b, const struct spa_pod *params[2], int supportDmaBuf) {
    struct spa_rectangle sizeDefault = SPA_RECTANGLE(1280, 720);
    struct spa_rectangle sizeMin = SPA_RECTANGLE(1, 1);
    struct spa_rectangle sizeMax = SPA_RECTANGLE(4096, 4096);
    struct spa_fraction rateDefault = SPA_FRACTION(30, 1);
    struct spa_fraction rateMin = SPA_FRACTION(0, 1);
    struct spa_fraction rateMax = SPA_FRACTION(240, 1);

    int n = 0;
    for (int withModifier = supportDmaBuf ? 1 : 0; withModifier >= 0; withModifier--) {
        struct spa_pod_frame f, f2;
        spa_pod_builder_push_object(b, &f, SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat);
        spa_pod_builder_add(b, SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video), 0);
        spa_pod_builder_add(b, SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw), 0);
        spa_pod_builder_add(b, SPA_FORMAT_VIDEO_format,
            SPA_POD_CHOICE_ENUM_Id(5, SPA_VIDEO_FORMAT_NV12,
                SPA_VIDEO_FORMAT_RGBx, SPA_VIDEO_FORMAT_BGRx,
                SPA_VIDEO_FORMAT_BGRA, SPA_VIDEO_FORMAT_RGBA), 0);
        spa_pod_builder_add(b, SPA_FORMAT_VIDEO_size,
            SPA_POD_CHOICE_RANGE_Rectangle(&sizeDefault, &sizeMin, &sizeMax), 0);
        spa_pod_builder_add(b, SPA_FORMAT_VIDEO_framerate,
            SPA_POD_CHOICE_RANGE_Fraction(&rateDefault, &rateMin, &rateMax), 0);
        if (withModifier) {
            spa_pod_builder_prop(b, SPA_FORMAT_VIDEO_modifier,
                SPA_POD_PROP_FLAG_MANDATORY | SPA_POD_PROP_FLAG_DONT_FIXATE);
            spa_pod_builder_push_choice(b, &f2, SPA_CHOICE_Enum, 0);
            // DRM_FORMAT_MOD_LINEAR followed by DRM_FORMAT_MOD_INVALID:
            // accept a linear layout or let the compositor pick whatever
            // it wants and report the modifier back to us.
            spa_pod_builder_long(b, 0);
            spa_pod_builder_long(b, (int64_t)-1);
            spa_pod_builder_pop(b, &f2);
        }
        params[n++] = spa_pod_builder_pop(b, &f);
    }
    return n;
}

static int connect_stream(struct pw_stream *stream, uint32_t target_id, int supportDmaBuf) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
    const struct spa_pod *params[2];
    int n = build_format_params(&b, params, supportDmaBuf);

    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        target_id,
        PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS,
        params, n);
}

static inline void wrap_pw_main_loop_run(struct pw_main_loop *loop) { d_pw_main_loop_run(loop); }
static inline void wrap_pw_main_loop_quit(struct pw_main_loop *loop) { d_pw_main_loop_quit(loop); }
static inline void wrap_pw_stream_set_inactive(struct pw_stream *stream) { d_pw_stream_set_active(stream, false); }
static inline void wrap_pw_stream_disconnect(struct pw_stream *stream) { d_pw_stream_disconnect(stream); }
static inline void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static inline void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static inline void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static inline void wrap_pw_main_loop_destroy(struct pw_main_loop *loop) { d_pw_main_loop_destroy(loop); }
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"wlcast.dev/capture/internal/frame"
	"wlcast.dev/capture/internal/wllog"
)

// ErrLibraryNotLoaded is returned when libpipewire-0.3 could not be
// dlopen'd from any of its usual soname candidates.
var ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")

// ErrStreamFailed reports that PipeWire moved the stream into its
// error state; the stream can no longer be used and must be destroyed.
var ErrStreamFailed = errors.New("pipewire stream entered an error state")

const streamStateError = C.PW_STREAM_STATE_ERROR

// Stream is a single connection to one PipeWire video capture node. It
// implements the construct/eventFd/nextEvent/destruct contract: after
// Connect, NextEvent should be called in a loop, driven by readiness
// on the descriptor returned by EventFd, until a Disconnected event or
// an error is observed.
type Stream struct {
	loop    *C.struct_pw_main_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core
	cData   *C.struct_go_stream_data

	id      int
	eventFd int

	mu       sync.Mutex
	pending  []frame.StreamEvent
	failure  error
	dims     frame.Rect
	format   frame.PixelFormat
	haveDmaB bool

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	lastCursorLog atomic.Int64
}

var (
	libMu     sync.Mutex
	libLoaded bool

	streamsMu sync.Mutex
	streams   = make(map[int]*Stream)
	nextID    = 1
)

// IsAvailable reports whether the PipeWire client library could be
// loaded, initializing it exactly once.
func IsAvailable() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		libLoaded = true
		C.wrap_pw_init()
		return true
	}
	return false
}

// Connect attaches to the PipeWire node nodeID over fd (as obtained
// from the portal's OpenPipeWireRemote), requesting DMA-BUF buffers
// when supportDmaBuf is true. The compositor may ignore that request
// and hand back memory-mapped buffers regardless.
func Connect(fd int, nodeID uint32, supportDmaBuf bool) (*Stream, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}

	s := &Stream{}

	streamsMu.Lock()
	s.id = nextID
	nextID++
	streamsMu.Unlock()

	efd, err := syscall.Eventfd(0, syscall.EFD_CLOEXEC|syscall.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	s.eventFd = efd

	// pw_context_connect_fd takes ownership of the descriptor it is given.
	dupFd, err := syscall.Dup(fd)
	if err != nil {
		_ = syscall.Close(efd)
		return nil, fmt.Errorf("dup fd: %w", err)
	}

	cleanup := func(err error) (*Stream, error) {
		_ = s.Close()
		return nil, err
	}

	s.loop = C.wrap_pw_main_loop_new()
	if s.loop == nil {
		syscall.Close(dupFd)
		return cleanup(fmt.Errorf("failed to create main loop"))
	}
	s.context = C.wrap_pw_context_new(s.loop)
	if s.context == nil {
		syscall.Close(dupFd)
		return cleanup(fmt.Errorf("failed to create context"))
	}
	s.core = C.wrap_pw_context_connect_fd(s.context, C.int(dupFd))
	if s.core == nil {
		return cleanup(fmt.Errorf("failed to connect fd"))
	}

	name := C.CString("wlcast-capture")
	defer C.free(unsafe.Pointer(name))

	s.cData = (*C.struct_go_stream_data)(C.calloc(1, C.sizeof_struct_go_stream_data))
	s.cData.id = C.int(s.id)

	stream := C.create_stream(s.core, name, s.cData)
	if stream == nil {
		return cleanup(fmt.Errorf("failed to create stream"))
	}
	s.cData.stream = stream

	dmaBufC := C.int(0)
	if supportDmaBuf {
		dmaBufC = 1
	}
	if res := C.connect_stream(stream, C.uint32_t(nodeID), dmaBufC); res < 0 {
		return cleanup(fmt.Errorf("stream connect failed: %d", int(res)))
	}

	streamsMu.Lock()
	streams[s.id] = s
	streamsMu.Unlock()

	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			C.wrap_pw_main_loop_run(s.loop)
		}()
	})

	return s, nil
}

// EventFd returns the descriptor the orchestrator should multiplex
// alongside its signal-handling poll loop; it becomes readable
// whenever NextEvent has something to return.
func (s *Stream) EventFd() int {
	return s.eventFd
}

// NextEvent drains one pending event, or (nil, nil) if none is queued
// right now. The caller is expected to poll EventFd() and call this in
// a loop until it returns a Disconnected event or an error.
func (s *Stream) NextEvent() (frame.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return nil, s.failure
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	ev := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	if len(s.pending) == 0 {
		s.drainEventFdLocked()
	}
	return ev, nil
}

// drainPending drops every undelivered event, running each frame's
// release hook so its PipeWire buffer is returned to the pool before
// the stream is disconnected out from under it.
func (s *Stream) drainPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range pending {
		switch e := ev.(type) {
		case frame.MemoryFrameReceived:
			e.Frame.Release()
		case frame.DmaBufFrameReceived:
			e.Frame.Release()
		}
	}
}

func (s *Stream) drainEventFdLocked() {
	var buf [8]byte
	_, _ = syscall.Read(s.eventFd, buf[:])
}

func (s *Stream) pushEvent(ev frame.StreamEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	var one [8]byte
	one[0] = 1
	_, _ = syscall.Write(s.eventFd, one[:])
}

func (s *Stream) setFailure(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	var one [8]byte
	one[0] = 1
	_, _ = syscall.Write(s.eventFd, one[:])
}

// Close disconnects and destroys the stream. Safe to call multiple
// times and safe to call before Connect fully succeeded.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.cData != nil && s.cData.stream != nil {
			C.wrap_pw_stream_set_inactive(s.cData.stream)
		}
		if s.loop != nil {
			C.wrap_pw_main_loop_quit(s.loop)
		}
		s.wg.Wait()
		s.drainPending()

		if s.cData != nil {
			if s.cData.stream != nil {
				C.wrap_pw_stream_disconnect(s.cData.stream)
				C.wrap_pw_stream_destroy(s.cData.stream)
			}
			C.free(unsafe.Pointer(s.cData))
			s.cData = nil
		}
		if s.core != nil {
			C.wrap_pw_core_disconnect(s.core)
			s.core = nil
		}
		if s.context != nil {
			C.wrap_pw_context_destroy(s.context)
			s.context = nil
		}
		if s.loop != nil {
			C.wrap_pw_main_loop_destroy(s.loop)
			s.loop = nil
		}
		if s.eventFd != 0 {
			syscall.Close(s.eventFd)
		}

		streamsMu.Lock()
		delete(streams, s.id)
		streamsMu.Unlock()
	})
	return s.closeErr
}

func lookupStream(id C.int) *Stream {
	streamsMu.Lock()
	defer streamsMu.Unlock()
	return streams[int(id)]
}

//export go_state_changed
func go_state_changed(id C.int, oldState, newState C.int) {
	s := lookupStream(id)
	if s == nil {
		return
	}
	wllog.Debugf("pipewire", "stream %d state %d -> %d", int(id), int(oldState), int(newState))

	if newState == streamStateError {
		s.setFailure(ErrStreamFailed)
		return
	}
	if oldState == C.PW_STREAM_STATE_PAUSED && newState == C.PW_STREAM_STATE_STREAMING {
		s.mu.Lock()
		dims, format, dma := s.dims, s.format, s.haveDmaB
		s.mu.Unlock()
		s.pushEvent(frame.Connected{Dimensions: dims, Format: format, IsDmaBuf: dma})
	} else if oldState == C.PW_STREAM_STATE_STREAMING {
		s.pushEvent(frame.Disconnected{})
	}
}

//export go_param_changed
func go_param_changed(id C.int, paramID, width, height, rateNum, rateDen, spaFormat C.uint32_t, haveDmaBuf C.int) {
	s := lookupStream(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.dims = frame.Rect{W: uint32(width), H: uint32(height)}
	s.format = spaToPixelFormat(spaFormat)
	s.haveDmaB = haveDmaBuf != 0
	s.mu.Unlock()
	wllog.Debugf("pipewire", "format negotiated: %dx%d @ %d/%d fmt=%s dmabuf=%v",
		uint32(width), uint32(height), uint32(rateNum), uint32(rateDen), s.format, haveDmaBuf != 0)
}

// cursorLogIntervalMs throttles the per-frame cursor metadata debug line;
// WLCAST_CURSOR_LOG_INTERVAL_MS overrides it within [100, 5000].
var cursorLogIntervalMs = wllog.IntEnvClamped("WLCAST_CURSOR_LOG_INTERVAL_MS", 1000, 100, 5000)

//export go_cursor_meta
func go_cursor_meta(id C.int, x, y C.int32_t, bw, bh C.uint32_t) {
	if !wllog.Enabled() {
		return
	}
	s := lookupStream(id)
	if s == nil {
		return
	}
	if !wllog.ShouldLogRateLimited(&s.lastCursorLog, time.Duration(cursorLogIntervalMs)*time.Millisecond) {
		return
	}
	wllog.Debugf("pipewire", "cursor: pos=(%d,%d) bitmap=%dx%d", int32(x), int32(y), uint32(bw), uint32(bh))
}

//export go_process_memory
func go_process_memory(id C.int, ptr unsafe.Pointer, size, stride, offset, width, height, spaFormat C.uint32_t, ptsNs C.uint64_t, pwBuffer unsafe.Pointer) {
	s := lookupStream(id)
	if s == nil || ptr == nil || size == 0 {
		if s != nil {
			C.pipewire_release_buffer(s.cData.stream, pwBuffer)
		}
		return
	}
	s.mu.Lock()
	dims, format := s.dims, s.format
	s.mu.Unlock()

	base := C.GoBytes(ptr, C.int(uint32(stride)*dims.H))
	pwStream := s.cData.stream
	released := false
	mf := frame.NewMemoryFrame(dims.W, dims.H, durationFromNs(uint64(ptsNs)), format, base,
		int(stride), int(size), int(offset), func() {
			if released {
				return
			}
			released = true
			C.pipewire_release_buffer(pwStream, pwBuffer)
		})
	s.pushEvent(frame.MemoryFrameReceived{Frame: mf})
}

//export go_process_dmabuf
func go_process_dmabuf(id C.int, fd C.int, totalSize, modifier C.uint64_t, width, height, drmFormat C.uint32_t,
	planeCount C.int, offsets, pitches *C.uint32_t, ptsNs C.uint64_t, pwBuffer unsafe.Pointer) {
	s := lookupStream(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	dims, format := s.dims, s.format
	s.mu.Unlock()

	n := int(planeCount)
	if n > 4 {
		n = 4
	}
	offSlice := unsafe.Slice(offsets, n)
	pitchSlice := unsafe.Slice(pitches, n)

	var planes [4]frame.DrmPlane
	for i := 0; i < n; i++ {
		planes[i] = frame.DrmPlane{Offset: uint32(offSlice[i]), Pitch: uint32(pitchSlice[i])}
	}

	drm := drmFormatFor(format)
	if drm == 0 {
		drm = uint32(drmFormat)
	}

	pwStream := s.cData.stream
	released := false
	df := frame.NewDmaBufFrame(dims.W, dims.H, durationFromNs(uint64(ptsNs)), drm, int(fd),
		uint64(totalSize), uint64(modifier), n, planes, func() {
			if released {
				return
			}
			released = true
			C.pipewire_release_buffer(pwStream, pwBuffer)
		})
	s.pushEvent(frame.DmaBufFrameReceived{Frame: df})
}
