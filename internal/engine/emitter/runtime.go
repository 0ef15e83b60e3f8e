package emitter

// RuntimeSource is the loader shipped as the synthetic runtime module. It
// keeps a registry of module factories, loads bundle scripts on demand and
// boots entry roots once their bundles are present. In serve mode ap.hot
// subscribes to the dev server and reloads the page when a bundle it loaded
// is rebuilt.
const RuntimeSource = `(function (global) {
  if (global.__assetplan__) {
    return;
  }
  var factories = {};
  var maps = {};
  var cache = {};
  var loaded = {};
  var pending = {};
  var config = { publicPath: "", chunks: {} };
  var hotBuild = null;

  function requireModule(id) {
    if (cache[id]) {
      return cache[id].exports;
    }
    var factory = factories[id];
    if (!factory) {
      throw new Error("assetplan: module not loaded: " + id);
    }
    var module = { id: id, exports: {} };
    cache[id] = module;
    var map = maps[id] || {};
    factory.call(module.exports, module, module.exports, function (request) {
      return requireModule(map[request] || request);
    });
    return module.exports;
  }

  function loadChunk(name, done) {
    if (loaded[name]) {
      done();
      return;
    }
    if (pending[name]) {
      pending[name].push(done);
      return;
    }
    pending[name] = [done];
    var script = document.createElement("script");
    script.src = config.publicPath + config.chunks[name];
    script.type = "text/javascript";
    script.onerror = function () {
      throw new Error("assetplan: failed to load bundle " + name);
    };
    document.getElementsByTagName("head")[0].appendChild(script);
  }

  function onBuild(msg) {
    if (msg.type !== "ok" || !msg.build || msg.build === hotBuild) {
      return;
    }
    // The first message describes the build this page was served from.
    var first = hotBuild === null;
    hotBuild = msg.build;
    if (first) {
      return;
    }
    var touched = (msg.changed || []).concat(msg.removed || []);
    for (var i = 0; i < touched.length; i++) {
      if (loaded[touched[i]]) {
        global.location.reload();
        return;
      }
    }
  }

  function connect(url) {
    if (typeof global.WebSocket === "undefined") {
      return;
    }
    var socket = new global.WebSocket(url);
    socket.onmessage = function (event) {
      try {
        onBuild(JSON.parse(event.data));
      } catch (e) {
        return;
      }
    };
    socket.onclose = function () {
      global.setTimeout(function () {
        connect(url);
      }, 1000);
    };
  }

  global.__assetplan__ = {
    configure: function (c) {
      config = c;
    },
    define: function (id, map, factory) {
      maps[id] = map;
      factories[id] = factory;
    },
    loaded: function (name) {
      loaded[name] = true;
      var waiting = pending[name] || [];
      delete pending[name];
      for (var i = 0; i < waiting.length; i++) {
        waiting[i]();
      }
    },
    style: function (id, css) {
      var node = document.createElement("style");
      node.setAttribute("data-module", id);
      node.appendChild(document.createTextNode(css));
      document.getElementsByTagName("head")[0].appendChild(node);
      return node;
    },
    start: function (chunks, main) {
      var remaining = chunks.length;
      if (remaining === 0) {
        requireModule(main);
        return;
      }
      for (var i = 0; i < chunks.length; i++) {
        loadChunk(chunks[i], function () {
          remaining--;
          if (remaining === 0) {
            requireModule(main);
          }
        });
      }
    },
    hot: connect,
    require: requireModule
  };
})(window);
`
