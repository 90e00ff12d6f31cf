package render

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/loopforge/exporter/pkg/logger"
)

// renderPage hosts the shader on a full-viewport quad. initShader compiles
// it and raises isReady; renderFrame draws one frame at time t.
const renderPage = `<!DOCTYPE html>
<html>
<head><style>body{margin:0;overflow:hidden;}</style></head>
<body>
<script src="https://cdnjs.cloudflare.com/ajax/libs/three.js/r128/three.min.js"></script>
<script>
    let renderer, scene, camera, uniforms;
    window.initShader = function(w, h, fragCode) {
        camera = new THREE.OrthographicCamera(-1, 1, 1, -1, 0, 1);
        scene = new THREE.Scene();
        const geometry = new THREE.PlaneGeometry(2, 2);
        uniforms = { uTime: { value: 0 }, uResolution: { value: new THREE.Vector2(w, h) } };
        const material = new THREE.ShaderMaterial({
            uniforms: uniforms,
            fragmentShader: fragCode,
            vertexShader: 'varying vec2 vUv; void main() { vUv = uv; gl_Position = vec4(position, 1.0); }'
        });
        scene.add(new THREE.Mesh(geometry, material));
        renderer = new THREE.WebGLRenderer({ preserveDrawingBuffer: true });
        renderer.setSize(w, h);
        document.body.appendChild(renderer.domElement);
        window.isReady = true;
    };
    window.renderFrame = function(t) {
        if (uniforms) uniforms.uTime.value = t;
        if (renderer) renderer.render(scene, camera);
    };
</script>
</body>
</html>`

// BrowserLauncher starts a dedicated headless Chrome per job.
type BrowserLauncher struct {
	ChromePath  string
	SoftwareGL  bool
	JPEGQuality int
	Log         *logger.Logger
}

// allocatorOptions are the Chrome flags for headless WebGL.
func (l *BrowserLauncher) allocatorOptions(width, height int) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-webgl", true),
		chromedp.Flag("ignore-gpu-blocklist", true),
		chromedp.WindowSize(width, height),
	)
	if l.SoftwareGL {
		opts = append(opts,
			chromedp.DisableGPU,
			chromedp.Flag("use-gl", "angle"),
			chromedp.Flag("use-angle", "swiftshader"),
		)
	}
	if l.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(l.ChromePath))
	}
	return opts
}

func (l *BrowserLauncher) Launch(ctx context.Context, spec Spec) (Host, error) {
	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithJobID(spec.JobID).WithComponent("browser")

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(spec.Width, spec.Height)...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { log.Warn(fmt.Sprintf(format, args...)) }),
	)

	quality := l.JPEGQuality
	if quality <= 0 {
		quality = 90
	}
	h := &BrowserHost{
		ctx:     browserCtx,
		cancel:  func() { cancelBrowser(); cancelAlloc() },
		quality: int64(quality),
		log:     log,
	}

	chromedp.ListenTarget(browserCtx, h.onEvent)

	// The first Run starts the browser and must use the unbounded context;
	// cancelling it would close the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		h.cancel()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// BrowserHost renders through a chromedp-controlled page.
type BrowserHost struct {
	ctx     context.Context
	cancel  context.CancelFunc
	quality int64
	log     *logger.Logger

	mu        sync.Mutex
	pageErr   error
	closeOnce sync.Once
}

func (h *BrowserHost) onEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventExceptionThrown:
		msg := e.ExceptionDetails.Text
		if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
			msg = e.ExceptionDetails.Exception.Description
		}
		h.log.Error("page exception", "message", msg)
		h.mu.Lock()
		if h.pageErr == nil {
			h.pageErr = fmt.Errorf("%w: %s", ErrHostCrashed, msg)
		}
		h.mu.Unlock()
	case *runtime.EventConsoleAPICalled:
		if e.Type != runtime.APITypeError {
			return
		}
		args := make([]string, 0, len(e.Args))
		for _, a := range e.Args {
			if a.Description != "" {
				args = append(args, a.Description)
			} else {
				args = append(args, string(a.Value))
			}
		}
		h.log.Warn("page console error", "args", args)
	}
}

func (h *BrowserHost) pageError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pageErr
}

// bind derives a context from the browser context that is also cancelled
// when ctx is.
func (h *BrowserHost) bind(ctx context.Context) (context.Context, func()) {
	c, cancel := context.WithCancel(h.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		c, cancelDeadline = context.WithDeadline(c, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return c, func() { stop(); cancel() }
}

func (h *BrowserHost) wrap(ctx context.Context, err error) error {
	if err == nil {
		return h.pageError()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if perr := h.pageError(); perr != nil {
		return perr
	}
	return fmt.Errorf("%w: %v", ErrHostCrashed, err)
}

func (h *BrowserHost) Init(ctx context.Context, width, height int, shaderCode string) error {
	c, stop := h.bind(ctx)
	defer stop()

	code, err := json.Marshal(shaderCode)
	if err != nil {
		return err
	}
	initCall := fmt.Sprintf("window.initShader(%d, %d, %s)", width, height, code)

	var loaded, ready bool
	err = chromedp.Run(c,
		runtime.Enable(),
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, renderPage).Do(ctx)
		}),
		chromedp.Poll(`typeof window.initShader === "function"`, &loaded),
		chromedp.Evaluate(initCall, nil),
		chromedp.Poll(`window.isReady === true`, &ready),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if perr := h.pageError(); perr != nil {
			return fmt.Errorf("%w: %v", ErrHostNotReady, perr)
		}
		return fmt.Errorf("%w: %v", ErrHostNotReady, err)
	}
	return nil
}

func (h *BrowserHost) RenderFrame(ctx context.Context, t float64, path string) error {
	c, stop := h.bind(ctx)
	defer stop()

	var buf []byte
	err := chromedp.Run(c,
		chromedp.Evaluate("window.renderFrame("+strconv.FormatFloat(t, 'f', -1, 64)+")", nil),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(h.quality).
				Do(ctx)
			return err
		}),
	)
	if err := h.wrap(ctx, err); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (h *BrowserHost) Close() error {
	h.closeOnce.Do(func() {
		if err := chromedp.Cancel(h.ctx); err != nil {
			h.log.Debug("browser close", "error", err)
		}
		h.cancel()
	})
	return nil
}
