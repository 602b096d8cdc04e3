package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>VaultSync Operations</title>
  <style>
    :root {
      --ink: #1b2430;
      --paper: #f6f5f1;
      --card: #ffffff;
      --line: #d8d3c6;
      --ok: #1f7a4d;
      --warn: #b07a1f;
      --bad: #b23a32;
      --muted: #707a86;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.85rem; }
    .controls { display: flex; gap: 8px; margin-top: 10px; }
    .controls input { flex: 1; padding: 7px 10px; border: 1px solid var(--line); border-radius: 8px; }
    .controls button { padding: 7px 14px; border: 1px solid var(--line); border-radius: 8px; background: #eef0f2; cursor: pointer; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 10px; }
    .stat .label { color: var(--muted); font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.05em; }
    .stat .value { font-size: 1.5rem; font-weight: 600; margin-top: 4px; }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    .status-committed { color: var(--ok); }
    .status-conflict, .status-failed, .status-rolled_back { color: var(--bad); }
    .status-pending, .status-in_progress { color: var(--warn); }
    #health { font-weight: 600; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>VaultSync Operations</h1>
      <div class="sub">deployment <span id="mode">-</span> &middot; state <span id="health">-</span> &middot; queue depth <span id="depth">-</span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" />
        <button id="refresh">Refresh</button>
      </div>
    </div>
    <div class="card grid" id="stats"></div>
    <div class="card">
      <h1 style="font-size:1.05rem">Recent Operations</h1>
      <table><thead><tr><th>ID</th><th>Document</th><th>Type</th><th>Status</th><th>Attempts</th></tr></thead><tbody id="ops"></tbody></table>
    </div>
    <div class="card">
      <h1 style="font-size:1.05rem">Unresolved Conflicts</h1>
      <table><thead><tr><th>ID</th><th>Document</th><th>Local</th><th>Remote</th><th>Detected</th></tr></thead><tbody id="conflicts"></tbody></table>
    </div>
  </div>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        mode: document.getElementById("mode"),
        health: document.getElementById("health"),
        depth: document.getElementById("depth"),
        stats: document.getElementById("stats"),
        ops: document.getElementById("ops"),
        conflicts: document.getElementById("conflicts"),
      };
      const headers = () => ({
        "Authorization": "Bearer " + dom.token.value.trim(),
        "X-Correlation-Id": "dashboard-" + Date.now(),
      });
      const esc = (s) => String(s ?? "").replace(/[&<>"]/g, (c) => ({"&":"&amp;","<":"&lt;",">":"&gt;","\"":"&quot;"}[c]));
      async function getJSON(path) {
        const resp = await fetch(path, { headers: headers() });
        if (!resp.ok) throw new Error(path + " -> " + resp.status);
        return resp.json();
      }
      function stat(label, value) {
        return '<div class="stat"><div class="label">' + esc(label) + '</div><div class="value">' + esc(value) + "</div></div>";
      }
      async function refresh() {
        try {
          const health = await (await fetch("/health")).json();
          dom.mode.textContent = health.mode || "LOCAL_ONLY";
          dom.health.textContent = health.state || health.status;
          dom.depth.textContent = health.queueDepth;
          const stats = await getJSON("/v1/statistics");
          dom.stats.innerHTML =
            stat("committed", stats.syncCommitted) +
            stat("failed", stats.syncFailed) +
            stat("conflicts", stats.syncConflicts) +
            stat("skipped", stats.syncSkipped) +
            stat("success rate", (stats.syncSuccessRate * 100).toFixed(1) + "%") +
            stat("unresolved", stats.unresolvedConflicts) +
            stat("avg latency ms", stats.averageSyncLatencyMs.toFixed(1));
          const ops = await getJSON("/v1/operations?limit=25");
          dom.ops.innerHTML = (ops.items || []).slice(-25).reverse().map((op) =>
            "<tr><td>" + esc(op.id) + "</td><td>" + esc(op.documentId) + "</td><td>" + esc(op.type) +
            '</td><td class="status-' + esc(op.status) + '">' + esc(op.status) + "</td><td>" + esc(op.attempts) + "</td></tr>"
          ).join("");
          const conflicts = await getJSON("/v1/conflicts?limit=25");
          dom.conflicts.innerHTML = (conflicts.items || []).filter((c) => c.resolution === "unresolved").map((c) =>
            "<tr><td>" + esc(c.id) + "</td><td>" + esc(c.documentId) + "</td><td>" + esc(c.localVersion) +
            "</td><td>" + esc(c.remoteVersion) + "</td><td>" + esc(c.detectedAt) + "</td></tr>"
          ).join("");
        } catch (err) {
          dom.health.textContent = String(err);
        }
      }
      dom.refresh.addEventListener("click", refresh);
      dom.token.addEventListener("change", refresh);
      setInterval(() => { if (dom.token.value.trim()) refresh(); }, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
