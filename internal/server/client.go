package server

// clientScript connects to the reload socket. It reloads the page, swaps
// stylesheets, or shows a failure overlay depending on the message type.
const clientScript = `(function () {
  "use strict";
  var overlayId = "__sitepipe-overlay";

  function hideOverlay() {
    var el = document.getElementById(overlayId);
    if (el) { el.parentNode.removeChild(el); }
  }

  function showOverlay(msg) {
    hideOverlay();
    var el = document.createElement("pre");
    el.id = overlayId;
    el.style.cssText = "position:fixed;left:0;right:0;bottom:0;margin:0;padding:12px 16px;" +
      "max-height:40vh;overflow:auto;z-index:2147483647;background:#1e1e1e;color:#ff6b6b;" +
      "font:13px/1.4 monospace;white-space:pre-wrap;border-top:3px solid #ff6b6b";
    var where = msg.file ? msg.file + (msg.line ? ":" + msg.line + (msg.column ? ":" + msg.column : "") : "") : "";
    el.textContent = "[" + (msg.task || "build") + "] " + (where ? where + "\n" : "") + (msg.content || "");
    el.onclick = hideOverlay;
    document.body.appendChild(el);
  }

  function swapStyles() {
    var links = document.querySelectorAll('link[rel="stylesheet"]');
    var stamp = Date.now();
    for (var i = 0; i < links.length; i++) {
      var href = links[i].getAttribute("href");
      if (!href || /^(https?:)?\/\//.test(href)) { continue; }
      links[i].setAttribute("href", href.replace(/([?&])__sitepipe=\d+&?/, "$1").replace(/[?&]$/, "") +
        (href.indexOf("?") >= 0 ? "&" : "?") + "__sitepipe=" + stamp);
    }
    hideOverlay();
  }

  function connect(delay) {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/__sitepipe/ws");
    ws.onopen = function () { delay = 500; };
    ws.onmessage = function (event) {
      var msg;
      try { msg = JSON.parse(event.data); } catch (e) { return; }
      switch (msg.type) {
        case "reload": location.reload(); break;
        case "css": swapStyles(); break;
        case "error": showOverlay(msg); break;
        case "clear": hideOverlay(); break;
      }
    };
    ws.onclose = function () {
      setTimeout(function () { connect(Math.min(delay * 2, 5000)); }, delay);
    };
  }

  connect(500);
})();
`
